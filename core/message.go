package core

import (
	"strings"
)

// Message roles understood by the memory pipeline.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is the normalized form of a conversation message.
// Everything downstream of the coordinator boundary works on this shape only.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	ID      string `json:"id,omitempty"`
}

// IsSystem reports whether the message carries system instructions or context.
func (m Message) IsSystem() bool {
	return m.Role == RoleSystem
}

// Typed is implemented by runtime message types that expose a type tag
// ("human", "ai", "system") instead of a role field.
type Typed interface {
	GetType() string
	GetContent() string
}

// Identified is optionally implemented by runtime messages carrying an id.
type Identified interface {
	GetID() string
}

// NormalizeRole maps the role and type tags used by different runtimes onto
// the roles above. Unknown tags are lowercased and passed through.
func NormalizeRole(role string) string {
	r := strings.ToLower(strings.TrimSpace(role))
	switch r {
	case "human":
		return RoleUser
	case "ai", "model":
		return RoleAssistant
	case "developer":
		return RoleSystem
	}
	return r
}

// NormalizeMessage converts an inbound message of any supported shape into a
// Message. ok is false for nil or unrecognized values.
//
// Supported shapes:
//   - Message and *Message
//   - map[string]any / map[string]string with "role" or "type", "content", "id"
//   - values implementing Typed (and optionally Identified)
func NormalizeMessage(v any) (Message, bool) {
	switch m := v.(type) {
	case nil:
		return Message{}, false
	case Message:
		m.Role = NormalizeRole(m.Role)
		return m, true
	case *Message:
		if m == nil {
			return Message{}, false
		}
		out := *m
		out.Role = NormalizeRole(out.Role)
		return out, true
	case map[string]string:
		role := m["role"]
		if role == "" {
			role = m["type"]
		}
		return Message{Role: NormalizeRole(role), Content: m["content"], ID: m["id"]}, true
	case map[string]any:
		role := stringField(m, "role")
		if role == "" {
			role = stringField(m, "type")
		}
		return Message{
			Role:    NormalizeRole(role),
			Content: contentField(m["content"]),
			ID:      stringField(m, "id"),
		}, true
	case Typed:
		out := Message{Role: NormalizeRole(m.GetType()), Content: m.GetContent()}
		if idm, ok := v.(Identified); ok {
			out.ID = idm.GetID()
		}
		return out, true
	}
	return Message{}, false
}

// NormalizeMessages normalizes a heterogeneous message list, dropping
// entries that cannot be interpreted.
func NormalizeMessages(in []any) []Message {
	out := make([]Message, 0, len(in))
	for _, v := range in {
		if msg, ok := NormalizeMessage(v); ok {
			out = append(out, msg)
		}
	}
	return out
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// contentField flattens content given either as a plain string or as a list
// of {"type":"text","text":...} blocks.
func contentField(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case []any:
		var parts []string
		for _, block := range c {
			switch b := block.(type) {
			case string:
				parts = append(parts, b)
			case map[string]any:
				if text, ok := b["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}
