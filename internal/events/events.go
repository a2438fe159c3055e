// Package events classifies decoded stream frames into a closed set of event
// kinds.
package events

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/flitsinc/cardstream/internal/cards"
)

// Kind names an event variant. It is also the journal subject for the frame.
type Kind string

const (
	KindDone             Kind = "done"
	KindTextDelta        Kind = "text"
	KindFunctionCall     Kind = "function_call"
	KindFunctionResponse Kind = "function_response"
	KindError            Kind = "error"
)

// Event is one classified frame. The concrete type is one of Done, TextDelta,
// FunctionCall, FunctionResponse or Error.
type Event interface {
	Kind() Kind
}

type Done struct{}

type TextDelta struct {
	Text string `json:"text"`
}

// FunctionCall is a tool invocation announced by the backend. Args holds
// whichever of "args" or "arguments" the frame carried.
type FunctionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type FunctionResponse struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response,omitempty"`
}

type Error struct {
	Message string `json:"message"`
}

func (Done) Kind() Kind             { return KindDone }
func (TextDelta) Kind() Kind        { return KindTextDelta }
func (FunctionCall) Kind() Kind     { return KindFunctionCall }
func (FunctionResponse) Kind() Kind { return KindFunctionResponse }
func (Error) Kind() Kind            { return KindError }

// Classify decodes one frame payload and picks its variant by fixed field
// precedence: done, text, function_call, function_response, error. The first
// field present wins even when later ones are also set. It reports false for
// frames that are not a JSON object, carry none of the fields, or carry the
// winning field with the wrong shape.
func Classify(frame []byte) (Event, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil || fields == nil {
		return nil, false
	}

	if raw, ok := field(fields, "done"); ok && truthy(raw) {
		return Done{}, true
	}
	if raw, ok := field(fields, "text"); ok {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, false
		}
		return TextDelta{Text: text}, true
	}
	if raw, ok := field(fields, "function_call"); ok {
		return decodeCall(raw)
	}
	if raw, ok := field(fields, "function_response"); ok {
		var resp FunctionResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, false
		}
		return resp, true
	}
	if raw, ok := field(fields, "error"); ok {
		return Error{Message: errorMessage(raw)}, true
	}
	return nil, false
}

func decodeCall(raw json.RawMessage) (Event, bool) {
	var call struct {
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Args      json.RawMessage `json:"args"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(raw, &call); err != nil {
		return nil, false
	}
	out := FunctionCall{ID: call.ID, Name: call.Name, Args: call.Args}
	if !present(out.Args) {
		out.Args = call.Arguments
	}
	if !present(out.Args) {
		out.Args = nil
	}
	return out, true
}

// Query returns args.query_string, accepting arguments that arrive as a JSON
// encoded string. It is empty when absent.
func (c FunctionCall) Query() string {
	args := c.Args
	var encoded string
	if json.Unmarshal(args, &encoded) == nil {
		args = json.RawMessage(encoded)
	}
	var parsed struct {
		QueryString string `json:"query_string"`
	}
	if json.Unmarshal(args, &parsed) != nil {
		return ""
	}
	return parsed.QueryString
}

// Records returns response.records when the response carries a records list.
func (r FunctionResponse) Records() ([]cards.SearchRecord, bool) {
	var body struct {
		Records json.RawMessage `json:"records"`
	}
	if json.Unmarshal(r.Response, &body) != nil || !present(body.Records) {
		return nil, false
	}
	var records []cards.SearchRecord
	if err := json.Unmarshal(body.Records, &records); err != nil {
		return nil, false
	}
	if records == nil {
		records = []cards.SearchRecord{}
	}
	return records, true
}

// ResultText returns response.result when it is a non-empty string.
func (r FunctionResponse) ResultText() (string, bool) {
	var body struct {
		Result json.RawMessage `json:"result"`
	}
	if json.Unmarshal(r.Response, &body) != nil || !present(body.Result) {
		return "", false
	}
	var text string
	if err := json.Unmarshal(body.Result, &text); err != nil || text == "" {
		return "", false
	}
	return text, true
}

func field(fields map[string]json.RawMessage, name string) (json.RawMessage, bool) {
	raw, ok := fields[name]
	if !ok || !present(raw) {
		return nil, false
	}
	return raw, true
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func truthy(raw json.RawMessage) bool {
	var v any
	if json.Unmarshal(raw, &v) != nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case nil:
		return false
	default:
		return true
	}
}

// errorMessage renders the error field; backends send either a string or an
// object with a message.
func errorMessage(raw json.RawMessage) string {
	var text string
	if json.Unmarshal(raw, &text) == nil {
		return text
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return strings.TrimSpace(string(raw))
}
