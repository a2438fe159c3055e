package cards

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Type is the discriminator of an embedded card.
type Type string

const (
	TypeTask         Type = "task"
	TypeSearchResult Type = "search_result"
)

const (
	ToolTranslator   = "translator"
	ToolPPTGenerator = "ppt_generator"
)

// Card is one structured block carried inside assistant text or a tool result.
// Exactly one of Task or Search is set for supported types; any other type
// keeps its payload verbatim in Raw so callers can report it as unsupported.
type Card struct {
	Type    Type
	Version string
	ID      string

	Task   *TaskPayload
	Search *SearchResultPayload
	Raw    json.RawMessage
}

type TaskPayload struct {
	Tool            string          `json:"tool"`
	Status          TaskStatus      `json:"status"`
	Progress        float64         `json:"progress"`
	Message         string          `json:"message"`
	Result          json.RawMessage `json:"result,omitempty"`
	ResultURL       string          `json:"result_url,omitempty"`
	TranslationText string          `json:"translation_text,omitempty"`
}

// SearchRecord is one paper from a search tool response. Decoding is lenient
// about field types and the record is re-encoded exactly as received, so
// fields this package does not model (such as pmid) reach the backend again.
type SearchRecord struct {
	ID              string  `json:"id,omitempty"`
	Title           string  `json:"title"`
	Abstract        string  `json:"abstract"`
	Authors         string  `json:"authors"`
	Journal         string  `json:"journal"`
	PublishDate     string  `json:"publish_date"`
	ImpactFactor    float64 `json:"impact_factor"`
	PublicationType string  `json:"publication_type"`
	Link            string  `json:"link"`

	raw json.RawMessage
}

type SearchResultPayload struct {
	Query   string         `json:"query"`
	Records []SearchRecord `json:"records"`
}

type plainRecord SearchRecord

func (r SearchRecord) MarshalJSON() ([]byte, error) {
	if len(r.raw) > 0 {
		return r.raw, nil
	}
	return json.Marshal(plainRecord(r))
}

func (r *SearchRecord) UnmarshalJSON(data []byte) error {
	if !json.Valid(data) {
		return errors.New("invalid search record")
	}
	var fields map[string]json.RawMessage
	_ = json.Unmarshal(data, &fields)
	*r = SearchRecord{
		ID:              textField(fields, "id", "pmid"),
		Title:           textField(fields, "title"),
		Abstract:        textField(fields, "abstract"),
		Authors:         textField(fields, "authors"),
		Journal:         textField(fields, "journal"),
		PublishDate:     textField(fields, "publish_date"),
		ImpactFactor:    numberField(fields["impact_factor"]),
		PublicationType: textField(fields, "publication_type"),
		Link:            textField(fields, "link"),
		raw:             cloneRaw(bytes.TrimSpace(data)),
	}
	return nil
}

// textField returns the first of keys holding a string or a number. A list of
// strings, as some backends send for authors, is joined with commas.
func textField(fields map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
		var n json.Number
		if json.Unmarshal(raw, &n) == nil {
			return n.String()
		}
		var list []string
		if json.Unmarshal(raw, &list) == nil {
			return strings.Join(list, ", ")
		}
	}
	return ""
}

// numberField accepts a number or a numeric string; anything else is 0.
func numberField(raw json.RawMessage) float64 {
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return f
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f
		}
	}
	return 0
}

type wireCard struct {
	Type    Type            `json:"type"`
	Version string          `json:"version"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var errNullCard = errors.New("card is null")

// Supported reports whether the card type is one this package understands.
func (c Card) Supported() bool {
	return c.Type == TypeTask || c.Type == TypeSearchResult
}

// NewSearchCard builds a search_result card around a record batch.
func NewSearchCard(id, query string, records []SearchRecord) Card {
	if records == nil {
		records = []SearchRecord{}
	}
	return Card{
		Type:    TypeSearchResult,
		Version: "1.0",
		ID:      id,
		Search:  &SearchResultPayload{Query: query, Records: records},
	}
}

// Clone returns a deep copy so snapshots never alias live state.
func (c Card) Clone() Card {
	out := c
	if c.Task != nil {
		task := *c.Task
		task.Result = cloneRaw(c.Task.Result)
		out.Task = &task
	}
	if c.Search != nil {
		search := SearchResultPayload{Query: c.Search.Query}
		if c.Search.Records != nil {
			search.Records = append([]SearchRecord{}, c.Search.Records...)
		}
		out.Search = &search
	}
	out.Raw = cloneRaw(c.Raw)
	return out
}

func (c Card) MarshalJSON() ([]byte, error) {
	w := wireCard{Type: c.Type, Version: c.Version, ID: c.ID}
	var err error
	switch {
	case c.Task != nil:
		w.Payload, err = json.Marshal(c.Task)
	case c.Search != nil:
		w.Payload, err = json.Marshal(c.Search)
	default:
		w.Payload = c.Raw
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", c.Type, err)
	}
	return json.Marshal(w)
}

func (c *Card) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return errNullCard
	}
	var w wireCard
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	card := Card{Type: w.Type, Version: w.Version, ID: w.ID}
	switch w.Type {
	case TypeTask:
		var p TaskPayload
		if err := decodePayload(w.Payload, &p); err != nil {
			return fmt.Errorf("decode task payload: %w", err)
		}
		card.Task = &p
	case TypeSearchResult:
		var p SearchResultPayload
		if err := decodePayload(w.Payload, &p); err != nil {
			return fmt.Errorf("decode search payload: %w", err)
		}
		card.Search = &p
	default:
		card.Raw = cloneRaw(w.Payload)
	}
	*c = card
	return nil
}

func decodePayload(raw json.RawMessage, dest any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage{}, raw...)
}
