// Package tools defines the Claude tools that let the assistant write to
// and read from the memory system during a turn.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/becomeliminal/nim-memory/memory"
)

// Caller identifies whose conversation a tool call belongs to.
type Caller struct {
	UserID       string
	ThreadID     string
	IsRegistered bool
}

// Tool is a function Claude may call.
type Tool struct {
	Name        string
	Description string
	InputSchema Schema

	// Execute runs the tool. The returned text is sent back to Claude as
	// the tool result.
	Execute func(ctx context.Context, caller Caller, input json.RawMessage) (string, error)
}

// MemoryStore is the subset of memory.Manager the memory tools use.
type MemoryStore interface {
	StoreUserPreference(ctx context.Context, userID, content string, isRegistered bool, category string) error
	StoreFinancialAction(ctx context.Context, userID, content string, isRegistered bool, amount *float64, category string) error
	StoreAction(ctx context.Context, userID, content string, isRegistered bool, source string) error
	SearchRelevantMemories(ctx context.Context, query, userID string, isRegistered bool, memType memory.Type) ([]memory.SearchResult, error)
}

var _ MemoryStore = (*memory.Manager)(nil)

// Tool names.
const (
	RememberPreference    = "remember_preference"
	RecordFinancialAction = "record_financial_action"
	RecordAction          = "record_action"
	RecallMemories        = "recall_memories"
)

// ErrInvalidInput is returned when Claude sends input the tool cannot use.
var ErrInvalidInput = errors.New("invalid tool input")

// MemoryTools returns the memory tools backed by store.
func MemoryTools(store MemoryStore) []Tool {
	return []Tool{
		{
			Name:        RememberPreference,
			Description: "Remember a preference the user stated, such as how often they review budgets or which account they pay bills from. Use only for things the user said about themselves.",
			InputSchema: ObjectSchema(map[string]any{
				"preference": StringProperty("The preference in one short sentence, e.g. 'prefers a monthly budget review'"),
				"category":   StringProperty("Optional: area the preference applies to, e.g. 'budgeting', 'notifications'"),
			}, "preference"),
			Execute: func(ctx context.Context, caller Caller, raw json.RawMessage) (string, error) {
				var in struct {
					Preference string `json:"preference"`
					Category   string `json:"category"`
				}
				if err := decode(raw, &in); err != nil {
					return "", err
				}
				if strings.TrimSpace(in.Preference) == "" {
					return "", fmt.Errorf("%w: preference is required", ErrInvalidInput)
				}
				if err := store.StoreUserPreference(ctx, caller.UserID, in.Preference, caller.IsRegistered, in.Category); err != nil {
					return "", err
				}
				return "Preference saved.", nil
			},
		},
		{
			Name:        RecordFinancialAction,
			Description: "Record a completed money movement (transfer, deposit, withdrawal, payment) so it can be recalled later.",
			InputSchema: ObjectSchema(map[string]any{
				"description": StringProperty("What happened, e.g. 'sent $50 to @alice for dinner'"),
				"amount":      NumberProperty("Optional: amount moved, in the account currency"),
				"category":    StringEnumProperty("Optional: kind of movement", "transfer", "deposit", "withdrawal", "payment", "other"),
			}, "description"),
			Execute: func(ctx context.Context, caller Caller, raw json.RawMessage) (string, error) {
				var in struct {
					Description string   `json:"description"`
					Amount      *float64 `json:"amount"`
					Category    string   `json:"category"`
				}
				if err := decode(raw, &in); err != nil {
					return "", err
				}
				if strings.TrimSpace(in.Description) == "" {
					return "", fmt.Errorf("%w: description is required", ErrInvalidInput)
				}
				if err := store.StoreFinancialAction(ctx, caller.UserID, in.Description, caller.IsRegistered, in.Amount, in.Category); err != nil {
					return "", err
				}
				return "Financial action recorded.", nil
			},
		},
		{
			Name:        RecordAction,
			Description: "Record a non-monetary action taken for the user, such as creating a budget or changing a setting.",
			InputSchema: ObjectSchema(map[string]any{
				"description": StringProperty("What was done, e.g. 'created a $400 grocery budget'"),
			}, "description"),
			Execute: func(ctx context.Context, caller Caller, raw json.RawMessage) (string, error) {
				var in struct {
					Description string `json:"description"`
				}
				if err := decode(raw, &in); err != nil {
					return "", err
				}
				if strings.TrimSpace(in.Description) == "" {
					return "", fmt.Errorf("%w: description is required", ErrInvalidInput)
				}
				if err := store.StoreAction(ctx, caller.UserID, in.Description, caller.IsRegistered, "assistant"); err != nil {
					return "", err
				}
				return "Action recorded.", nil
			},
		},
		{
			Name:        RecallMemories,
			Description: "Search what you remember about the user. Use before asking the user something they may have told you before.",
			InputSchema: ObjectSchema(map[string]any{
				"query": StringProperty("What to look for, e.g. 'rent payments'"),
				"type":  StringEnumProperty("Optional: restrict to one kind of memory", typeNames()...),
			}, "query"),
			Execute: func(ctx context.Context, caller Caller, raw json.RawMessage) (string, error) {
				var in struct {
					Query string `json:"query"`
					Type  string `json:"type"`
				}
				if err := decode(raw, &in); err != nil {
					return "", err
				}
				memType := memory.Type(in.Type)
				if memType != "" && !memType.Valid() {
					return "", fmt.Errorf("%w: unknown memory type %q", ErrInvalidInput, in.Type)
				}
				results, err := store.SearchRelevantMemories(ctx, in.Query, caller.UserID, caller.IsRegistered, memType)
				if err != nil {
					return "", err
				}
				if len(results) == 0 {
					return "No matching memories.", nil
				}
				lines := make([]string, 0, len(results))
				for _, r := range results {
					lines = append(lines, fmt.Sprintf("- %s: %s (score %.2f)", r.Record.Type, r.Record.Content, r.Score))
				}
				return strings.Join(lines, "\n"), nil
			},
		},
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func typeNames() []string {
	names := make([]string, len(memory.Types))
	for i, t := range memory.Types {
		names[i] = string(t)
	}
	return names
}
