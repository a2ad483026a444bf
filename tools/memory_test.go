package tools_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/tools"
)

type call struct {
	method     string
	userID     string
	content    string
	registered bool
	detail     string
	amount     *float64
}

type fakeStore struct {
	calls   []call
	results []memory.SearchResult
	err     error
}

func (f *fakeStore) StoreUserPreference(_ context.Context, userID, content string, isRegistered bool, category string) error {
	f.calls = append(f.calls, call{method: "preference", userID: userID, content: content, registered: isRegistered, detail: category})
	return f.err
}

func (f *fakeStore) StoreFinancialAction(_ context.Context, userID, content string, isRegistered bool, amount *float64, category string) error {
	f.calls = append(f.calls, call{method: "financial", userID: userID, content: content, registered: isRegistered, detail: category, amount: amount})
	return f.err
}

func (f *fakeStore) StoreAction(_ context.Context, userID, content string, isRegistered bool, source string) error {
	f.calls = append(f.calls, call{method: "action", userID: userID, content: content, registered: isRegistered, detail: source})
	return f.err
}

func (f *fakeStore) SearchRelevantMemories(_ context.Context, query, userID string, isRegistered bool, memType memory.Type) ([]memory.SearchResult, error) {
	f.calls = append(f.calls, call{method: "search", userID: userID, content: query, registered: isRegistered, detail: string(memType)})
	return f.results, f.err
}

func toolByName(t *testing.T, store tools.MemoryStore, name string) tools.Tool {
	t.Helper()
	for _, tool := range tools.MemoryTools(store) {
		if tool.Name == name {
			return tool
		}
	}
	t.Fatalf("tool %q not found", name)
	return tools.Tool{}
}

var caller = tools.Caller{UserID: "u1", ThreadID: "t1", IsRegistered: true}

func TestMemoryTools_Definitions(t *testing.T) {
	all := tools.MemoryTools(&fakeStore{})
	require.Len(t, all, 4)
	for _, tool := range all {
		assert.NotEmpty(t, tool.Description, tool.Name)
		assert.NotEmpty(t, tool.InputSchema.Required, tool.Name)
		for _, req := range tool.InputSchema.Required {
			assert.Contains(t, tool.InputSchema.Properties, req, tool.Name)
		}
		assert.NotNil(t, tool.Execute, tool.Name)
	}
}

func TestRememberPreference(t *testing.T) {
	store := &fakeStore{}
	tool := toolByName(t, store, tools.RememberPreference)

	out, err := tool.Execute(context.Background(), caller, json.RawMessage(`{"preference":"likes weekly summaries","category":"notifications"}`))
	require.NoError(t, err)
	assert.Equal(t, "Preference saved.", out)
	assert.Equal(t, []call{{method: "preference", userID: "u1", content: "likes weekly summaries", registered: true, detail: "notifications"}}, store.calls)
}

func TestRecordFinancialAction(t *testing.T) {
	store := &fakeStore{}
	tool := toolByName(t, store, tools.RecordFinancialAction)

	_, err := tool.Execute(context.Background(), caller, json.RawMessage(`{"description":"sent $50 to @alice","amount":50,"category":"transfer"}`))
	require.NoError(t, err)
	require.Len(t, store.calls, 1)
	require.NotNil(t, store.calls[0].amount)
	assert.Equal(t, 50.0, *store.calls[0].amount)
	assert.Equal(t, "transfer", store.calls[0].detail)

	_, err = tool.Execute(context.Background(), caller, json.RawMessage(`{"description":"deposit"}`))
	require.NoError(t, err)
	assert.Nil(t, store.calls[1].amount)
}

func TestRecordAction(t *testing.T) {
	store := &fakeStore{}
	tool := toolByName(t, store, tools.RecordAction)

	out, err := tool.Execute(context.Background(), tools.Caller{UserID: "guest"}, json.RawMessage(`{"description":"created a grocery budget"}`))
	require.NoError(t, err)
	assert.Equal(t, "Action recorded.", out)
	assert.Equal(t, []call{{method: "action", userID: "guest", content: "created a grocery budget", detail: "assistant"}}, store.calls)
}

func TestRecallMemories(t *testing.T) {
	store := &fakeStore{results: []memory.SearchResult{
		{Record: memory.Record{Type: memory.TypePreference, Content: "prefers monthly reviews"}, Score: 0.91},
		{Record: memory.Record{Type: memory.TypeTransaction, Content: "paid rent"}, Score: 0.8},
	}}
	tool := toolByName(t, store, tools.RecallMemories)

	out, err := tool.Execute(context.Background(), caller, json.RawMessage(`{"query":"budget","type":"preference"}`))
	require.NoError(t, err)
	assert.Equal(t, "- preference: prefers monthly reviews (score 0.91)\n- transaction: paid rent (score 0.80)", out)
	assert.Equal(t, "preference", store.calls[0].detail)

	store.results = nil
	out, err = tool.Execute(context.Background(), caller, json.RawMessage(`{"query":"budget"}`))
	require.NoError(t, err)
	assert.Equal(t, "No matching memories.", out)
	assert.Empty(t, store.calls[1].detail)
}

func TestMemoryTools_InvalidInput(t *testing.T) {
	tests := []struct {
		name  string
		tool  string
		input string
	}{
		{"malformed json", tools.RememberPreference, `{"preference":`},
		{"missing preference", tools.RememberPreference, `{"category":"x"}`},
		{"blank description", tools.RecordFinancialAction, `{"description":"  "}`},
		{"wrong amount type", tools.RecordFinancialAction, `{"description":"x","amount":"ten"}`},
		{"empty input", tools.RecordAction, ``},
		{"unknown type", tools.RecallMemories, `{"query":"x","type":"gossip"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			tool := toolByName(t, store, tt.tool)
			_, err := tool.Execute(context.Background(), caller, json.RawMessage(tt.input))
			assert.ErrorIs(t, err, tools.ErrInvalidInput)
			assert.Empty(t, store.calls)
		})
	}
}

func TestMemoryTools_StoreErrorReturned(t *testing.T) {
	boom := errors.New("store down")
	store := &fakeStore{err: boom}
	for _, tool := range tools.MemoryTools(store) {
		_, err := tool.Execute(context.Background(), caller, json.RawMessage(`{"preference":"p","description":"d","query":"q"}`))
		assert.ErrorIs(t, err, boom, tool.Name)
	}
}
