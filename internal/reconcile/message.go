package reconcile

import (
	"encoding/json"
	"maps"
	"strings"

	"github.com/flitsinc/cardstream/internal/cards"
	"github.com/flitsinc/cardstream/internal/events"
	"github.com/flitsinc/cardstream/internal/liveness"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is the rendered state of one conversation entry.
type Message struct {
	ID               string                   `json:"id"`
	Role             Role                     `json:"role"`
	Content          string                   `json:"content"`
	SearchCards      []cards.Card             `json:"search_cards"`
	TaskCards        []cards.Card             `json:"task_cards"`
	UnsupportedCards []cards.Card             `json:"unsupported_cards,omitempty"`
	FunctionCall     *events.FunctionCall     `json:"function_call,omitempty"`
	FunctionResponse *events.FunctionResponse `json:"function_response,omitempty"`
	HasError         bool                     `json:"has_error"`
	// PendingCard is set while the content shows the loading placeholder for
	// a card block that has not finished streaming.
	PendingCard bool `json:"pending_card"`
	Loading     bool `json:"loading"`
	// Connections holds the push connection state of each live task card.
	Connections map[string]liveness.State `json:"connections,omitempty"`
}

// HistoryEntry is the outbound shape of a prior message.
type HistoryEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// TaskCard returns the task card with the given id.
func (m Message) TaskCard(id string) (cards.Card, bool) {
	for _, c := range m.TaskCards {
		if c.ID == id {
			return c, true
		}
	}
	return cards.Card{}, false
}

func (m Message) clone() Message {
	out := m
	out.SearchCards = cloneCards(m.SearchCards)
	out.TaskCards = cloneCards(m.TaskCards)
	out.UnsupportedCards = cloneCards(m.UnsupportedCards)
	if m.FunctionCall != nil {
		call := *m.FunctionCall
		call.Args = append(json.RawMessage(nil), m.FunctionCall.Args...)
		out.FunctionCall = &call
	}
	if m.FunctionResponse != nil {
		resp := *m.FunctionResponse
		resp.Response = append(json.RawMessage(nil), m.FunctionResponse.Response...)
		out.FunctionResponse = &resp
	}
	if m.Connections != nil {
		out.Connections = maps.Clone(m.Connections)
	}
	return out
}

func cloneCards(list []cards.Card) []cards.Card {
	out := make([]cards.Card, len(list))
	for i, c := range list {
		out[i] = c.Clone()
	}
	return out
}

// dedupe keeps the last card for each id at the position of its first
// occurrence.
func dedupe(list []cards.Card) []cards.Card {
	out := make([]cards.Card, 0, len(list))
	index := map[string]int{}
	for _, c := range list {
		if i, ok := index[c.ID]; ok {
			out[i] = c
			continue
		}
		index[c.ID] = len(out)
		out = append(out, c)
	}
	return out
}

// upsert appends c, or replaces the card already holding its id.
func upsert(list []cards.Card, c cards.Card) []cards.Card {
	for i := range list {
		if list[i].ID == c.ID {
			list[i] = c
			return list
		}
	}
	return append(list, c)
}

func hasContent(m *Message) bool {
	return strings.TrimSpace(m.Content) != ""
}
