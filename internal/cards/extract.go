package cards

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// Marker introduces an embedded card block, either after a code fence
	// ("```JSONCARD ... ```") or bare and followed by a JSON array.
	Marker = "JSONCARD"
	// Placeholder stands in for a card block that is still being streamed.
	Placeholder = "[LOADING_CARD]"

	fence     = "```"
	openFence = fence + Marker
)

const placeholderBlock = "\n\n" + Placeholder + "\n\n"

var typedArrayOpen = regexp.MustCompile(`\[\s*\{\s*"type"\s*:\s*"[^"]+"`)

var errEmptyBlock = errors.New("empty card block")

type Result struct {
	CleanText         string
	Cards             []Card
	HasIncompleteCard bool
	// Errors holds one entry per complete block that failed to parse. Such
	// blocks are not removed from the text.
	Errors []error
}

type block struct {
	start, end int
	body       string
}

// Extract scans the whole accumulated buffer for complete card blocks,
// removes the ones that parse from the visible text, and masks a trailing,
// still-unparsable block with a single placeholder. Cards are returned in
// textual order. Running Extract on its own CleanText yields no cards.
func Extract(buffer string) Result {
	clean, cards, errs := extractComplete(buffer)
	res := Result{Cards: cards, Errors: errs}
	res.CleanText, res.HasIncompleteCard = maskTrailingPartial(clean)
	return res
}

func extractComplete(buffer string) (string, []Card, []error) {
	var (
		out   strings.Builder
		cards []Card
		errs  []error
		last  int
	)
	for pos := 0; ; {
		blk, ok := nextBlock(buffer, pos)
		if !ok {
			break
		}
		parsed, err := ParseBlock(blk.body)
		if err != nil {
			errs = append(errs, fmt.Errorf("card block at %d: %w", blk.start, err))
		} else {
			out.WriteString(buffer[last:blk.start])
			last = blk.end
			cards = append(cards, parsed...)
		}
		pos = blk.end
	}
	out.WriteString(buffer[last:])
	return out.String(), cards, errs
}

// ParseBlock decodes a card block body: an array yields one card per element,
// an object yields a single card.
func ParseBlock(body string) ([]Card, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, errEmptyBlock
	}
	switch body[0] {
	case '[':
		var list []Card
		if err := json.Unmarshal([]byte(body), &list); err != nil {
			return nil, fmt.Errorf("decode card array: %w", err)
		}
		return list, nil
	case '{':
		var card Card
		if err := json.Unmarshal([]byte(body), &card); err != nil {
			return nil, fmt.Errorf("decode card: %w", err)
		}
		return []Card{card}, nil
	default:
		return nil, fmt.Errorf("card block must be a JSON array or object")
	}
}

// nextBlock finds the leftmost complete block starting at or after from. At a
// given marker the fenced form is tried before the bare form.
func nextBlock(text string, from int) (block, bool) {
	for pos := from; pos < len(text); {
		i := strings.Index(text[pos:], Marker)
		if i < 0 {
			return block{}, false
		}
		at := pos + i
		if start := at - len(fence); start >= pos && text[start:at] == fence {
			if blk, ok := fencedAt(text, start); ok {
				return blk, true
			}
		}
		if blk, ok := bareAt(text, at); ok {
			return blk, true
		}
		pos = at + 1
	}
	return block{}, false
}

func fencedAt(text string, start int) (block, bool) {
	bodyStart := start + len(openFence)
	closeAt := closingFence(text, bodyStart)
	if closeAt < 0 {
		return block{}, false
	}
	return block{
		start: start,
		end:   closeAt + len(fence),
		body:  strings.TrimSpace(text[bodyStart:closeAt]),
	}, true
}

// closingFence returns the first fence outside JSON string literals. When the
// quoting never balances it falls back to the first fence anywhere.
func closingFence(text string, from int) int {
	inString, escaped := false, false
	for i := from; i < len(text); i++ {
		c := text[i]
		switch {
		case inString && escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case inString && c == '"':
			inString = false
		case inString:
		case c == '"':
			inString = true
		case strings.HasPrefix(text[i:], fence):
			return i
		}
	}
	if i := strings.Index(text[from:], fence); i >= 0 {
		return from + i
	}
	return -1
}

// bareAt matches Marker, optional whitespace and a JSON array that ends at a
// newline or at the end of the buffer.
func bareAt(text string, at int) (block, bool) {
	open := skipSpace(text, at+len(Marker))
	if open >= len(text) || text[open] != '[' {
		return block{}, false
	}
	depth, inString, escaped := 0, false, false
	for i := open; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth > 0 {
				continue
			}
			if end, ok := bareEnd(text, i+1); ok {
				return block{start: at, end: end, body: text[open : i+1]}, true
			}
			return lazyBare(text, at, open, i+1)
		}
	}
	return block{}, false
}

// lazyBare continues past a balanced close that was not followed by a
// terminator, taking the next bracket that is.
func lazyBare(text string, at, open, from int) (block, bool) {
	for i := from; i < len(text); i++ {
		if text[i] != ']' {
			continue
		}
		if end, ok := bareEnd(text, i+1); ok {
			return block{start: at, end: end, body: text[open : i+1]}, true
		}
	}
	return block{}, false
}

func bareEnd(text string, i int) (int, bool) {
	if isBlank(text[i:]) {
		return len(text), true
	}
	if text[i] == '\n' {
		return i + 1, true
	}
	return 0, false
}

// maskTrailingPartial replaces the first span that looks like the start of
// a card block but does not parse yet.
func maskTrailingPartial(text string) (string, bool) {
	for _, start := range []int{unterminatedFence(text), unterminatedBare(text)} {
		if start >= 0 && !json.Valid([]byte(jsonSuffix(text[start:]))) {
			return text[:start] + placeholderBlock, true
		}
	}
	for _, loc := range typedArrayOpen.FindAllStringIndex(text, -1) {
		if truncatedJSON(text[loc[0]:]) {
			return text[:loc[0]] + placeholderBlock, true
		}
	}
	return text, false
}

// unterminatedFence returns the first opening fence with no closing fence
// after it, or -1. Closed blocks that failed to parse stay as text.
func unterminatedFence(text string) int {
	for pos := 0; pos < len(text); {
		i := strings.Index(text[pos:], openFence)
		if i < 0 {
			return -1
		}
		at := pos + i
		closeAt := closingFence(text, at+len(openFence))
		if closeAt < 0 {
			return at
		}
		pos = closeAt + len(fence)
	}
	return -1
}

// unterminatedBare returns the first bare marker followed by an array that
// has not reached its terminator yet, or -1. Fenced markers are left to
// unterminatedFence.
func unterminatedBare(text string) int {
	for pos := 0; pos < len(text); {
		i := strings.Index(text[pos:], Marker)
		if i < 0 {
			return -1
		}
		at := pos + i
		p := skipSpace(text, at+len(Marker))
		if strings.HasSuffix(text[:at], fence) || p >= len(text) || text[p] != '[' {
			pos = at + 1
			continue
		}
		blk, ok := bareAt(text, at)
		if !ok {
			return at
		}
		pos = blk.end
	}
	return -1
}

// truncatedJSON reports whether the first JSON value in span is cut off by
// the end of the text. Complete values followed by prose are not truncated.
func truncatedJSON(span string) bool {
	var v json.RawMessage
	err := json.NewDecoder(strings.NewReader(span)).Decode(&v)
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

func jsonSuffix(span string) string {
	i := strings.IndexAny(span, "[{")
	if i < 0 {
		return ""
	}
	return span[i:]
}

func skipSpace(text string, i int) int {
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		if !unicode.IsSpace(r) {
			break
		}
		i += size
	}
	return i
}

func isBlank(s string) bool {
	return skipSpace(s, 0) == len(s)
}
