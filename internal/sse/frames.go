// Package sse decodes a server-sent event body into data frames.
package sse

import (
	"bufio"
	"fmt"
	"io"
	"iter"
	"strings"
)

// Done is the sentinel payload that marks the end of a stream. It is consumed
// by Frames and never yielded.
const Done = "[DONE]"

const (
	initialBuffer = 64 * 1024
	maxFrameBytes = 2 * 1024 * 1024
)

// Frames yields the payload of every complete frame in src. A frame is the
// set of "data:" lines up to a blank line; multiple data lines are joined with
// a newline and every other line is ignored. A trailing frame that is not
// terminated by a blank line is dropped.
//
// src is closed when the sequence ends, including when the caller stops
// iterating early. A read error is yielded once as the final element.
func Frames(src io.ReadCloser) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		defer src.Close()

		scanner := bufio.NewScanner(src)
		scanner.Buffer(make([]byte, initialBuffer), maxFrameBytes)

		var data []string
		pending := false
		for scanner.Scan() {
			line := strings.TrimSuffix(scanner.Text(), "\r")
			if line == "" {
				if !pending {
					continue
				}
				payload := strings.Join(data, "\n")
				data, pending = data[:0], false
				if payload == Done {
					continue
				}
				if !yield(strings.ToValidUTF8(payload, "\uFFFD"), nil) {
					return
				}
				continue
			}
			value, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			data = append(data, strings.TrimPrefix(value, " "))
			pending = true
		}
		if err := scanner.Err(); err != nil {
			yield("", fmt.Errorf("read event stream: %w", err))
		}
	}
}
