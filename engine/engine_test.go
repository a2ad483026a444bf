package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/conversation"
	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/engine"
	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/tools"
)

type textBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type capturedRequest struct {
	Model    string      `json:"model"`
	System   []textBlock `json:"system"`
	Messages []struct {
		Role    string      `json:"role"`
		Content []textBlock `json:"content"`
	} `json:"messages"`
	Stream bool `json:"stream"`
}

// fakeClaude serves /v1/messages and records request bodies.
type fakeClaude struct {
	mu       sync.Mutex
	requests []capturedRequest
	reply    string
	status   int
}

func (f *fakeClaude) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req capturedRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"overloaded"}}`))
		return
	}

	if req.Stream {
		writeStream(w, f.reply)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":            "msg_test",
		"type":          "message",
		"role":          "assistant",
		"model":         req.Model,
		"content":       []map[string]any{{"type": "text", "text": f.reply}},
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage":         map[string]any{"input_tokens": 12, "output_tokens": 7},
	})
}

func writeStream(w http.ResponseWriter, reply string) {
	w.Header().Set("Content-Type", "text/event-stream")
	half := len(reply) / 2
	events := []struct {
		name string
		data string
	}{
		{"message_start", `{"type":"message_start","message":{"id":"msg_test","type":"message","role":"assistant","model":"claude-sonnet-4-20250514","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":12,"output_tokens":1}}}`},
		{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
		{"content_block_delta", fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%q}}`, reply[:half])},
		{"content_block_delta", fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%q}}`, reply[half:])},
		{"content_block_stop", `{"type":"content_block_stop","index":0}`},
		{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":7}}`},
		{"message_stop", `{"type":"message_stop"}`},
	}
	for _, ev := range events {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, ev.data)
	}
}

func newClient(t *testing.T, h http.Handler) *anthropic.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	client := anthropic.NewClient(
		option.WithAPIKey("test-key"),
		option.WithBaseURL(srv.URL),
		option.WithMaxRetries(0),
	)
	return &client
}

// recordingCoordinator injects a fixed context and records saves.
type recordingCoordinator struct {
	formatted string
	saved     []string
}

func (r *recordingCoordinator) ProcessStateWithMemory(_ context.Context, state *core.ConversationState, _ string) *core.ConversationState {
	if r.formatted != "" {
		state.Messages = append([]core.Message{{Role: core.RoleSystem, Content: r.formatted}}, state.Messages...)
	}
	return state
}

func (r *recordingCoordinator) SaveAIMessageToMemory(_ context.Context, state *core.ConversationState) {
	last, _ := state.LastMessage()
	r.saved = append(r.saved, last.Content)
}

func TestRun_InjectsContextAndSavesReply(t *testing.T) {
	claude := &fakeClaude{reply: "Your monthly budget review is on Friday."}
	coord := &recordingCoordinator{formatted: memory.ContextHeader + "\nprefers monthly budget review\n" + memory.ContextFooter}
	e := engine.New(newClient(t, claude), coord, engine.WithModel("claude-test"), engine.WithSystemPrompt("Be brief."))

	state := &core.ConversationState{UserID: "u1", ThreadID: "t1"}
	reply, err := e.Run(context.Background(), state, "when is my budget review?")
	require.NoError(t, err)

	assert.Equal(t, "Your monthly budget review is on Friday.", reply.Text)
	assert.Equal(t, "end_turn", reply.StopReason)
	assert.Equal(t, int64(12), reply.InputTokens)
	assert.Equal(t, int64(7), reply.OutputTokens)

	require.Len(t, claude.requests, 1)
	req := claude.requests[0]
	assert.Equal(t, "claude-test", req.Model)
	require.Len(t, req.System, 1)
	assert.True(t, strings.HasPrefix(req.System[0].Text, "Be brief.\n\n"+memory.ContextHeader))
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Equal(t, "when is my budget review?", req.Messages[0].Content[0].Text)

	last, _ := state.LastMessage()
	assert.Equal(t, core.RoleAssistant, last.Role)
	assert.NotEmpty(t, last.ID)
	assert.Equal(t, []string{"Your monthly budget review is on Friday."}, coord.saved)
}

func TestRun_MergesConsecutiveRoles(t *testing.T) {
	claude := &fakeClaude{reply: "ok"}
	e := engine.New(newClient(t, claude), nil)

	state := &core.ConversationState{
		UserID: "u1",
		Messages: []core.Message{
			{Role: core.RoleAssistant, Content: "welcome back"},
			{Role: core.RoleUser, Content: "hi"},
			{Role: core.RoleUser, Content: "are you there?"},
			{Role: core.RoleAssistant, Content: "yes"},
		},
	}
	_, err := e.Run(context.Background(), state, "show my balance")
	require.NoError(t, err)

	req := claude.requests[0]
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Len(t, req.Messages[0].Content, 2)
	assert.Equal(t, "assistant", req.Messages[1].Role)
	assert.Equal(t, "user", req.Messages[2].Role)
	assert.Equal(t, engine.DefaultSystemPrompt, req.System[0].Text)
}

func TestRun_ClaudeErrorReturned(t *testing.T) {
	claude := &fakeClaude{status: http.StatusInternalServerError}
	coord := &recordingCoordinator{}
	e := engine.New(newClient(t, claude), coord)

	state := &core.ConversationState{UserID: "u1"}
	_, err := e.Run(context.Background(), state, "hello")
	require.Error(t, err)

	var apiErr *anthropic.Error
	assert.ErrorAs(t, err, &apiErr)
	assert.Empty(t, coord.saved)
	last, _ := state.LastMessage()
	assert.Equal(t, core.RoleUser, last.Role)
}

func TestRunStreaming(t *testing.T) {
	claude := &fakeClaude{reply: "Streaming works fine."}
	e := engine.New(newClient(t, claude), nil)

	var chunks []string
	state := &core.ConversationState{UserID: "u1"}
	reply, err := e.RunStreaming(context.Background(), state, "hello", func(chunk string) {
		chunks = append(chunks, chunk)
	})
	require.NoError(t, err)

	assert.True(t, claude.requests[0].Stream)
	assert.Equal(t, "Streaming works fine.", strings.Join(chunks, ""))
	assert.Equal(t, "Streaming works fine.", reply.Text)
}

func TestRun_WithCoordinator(t *testing.T) {
	claude := &fakeClaude{reply: "Noted."}
	mgr := &staticManager{formatted: memory.ContextHeader + "\n[1/1/2024, 9:00:00 AM] preference: dark mode\n" + memory.ContextFooter}
	e := engine.New(newClient(t, claude), conversation.New(mgr))

	state := &core.ConversationState{UserID: "u1", ThreadID: "t1", IsRegistered: true}
	_, err := e.Run(context.Background(), state, "what theme do I like?")
	require.NoError(t, err)

	assert.Contains(t, claude.requests[0].System[0].Text, "preference: dark mode")
	require.Len(t, mgr.saved, 1)
	assert.Equal(t, "Noted.", mgr.saved[0])
	assert.True(t, state.Messages[0].IsSystem())
}

type staticManager struct {
	formatted string
	saved     []string
}

func (s *staticManager) GetContextForPrompt(context.Context, string, string, bool) string {
	return s.formatted
}

func (s *staticManager) StoreConversationMemory(_ context.Context, _, content string, _ bool, _ memory.ConversationMeta) error {
	s.saved = append(s.saved, content)
	return nil
}

// scriptedClaude returns canned response bodies in order.
type scriptedClaude struct {
	mu        sync.Mutex
	responses []string
	bodies    []map[string]any
}

func (s *scriptedClaude) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	i := len(s.bodies)
	s.bodies = append(s.bodies, body)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(s.responses[i]))
}

const toolUseResponse = `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
"content":[{"type":"text","text":"Let me note that."},{"type":"tool_use","id":"toolu_1","name":"remember_preference","input":{"preference":"prefers a monthly budget review","category":"budgeting"}}],
"stop_reason":"tool_use","stop_sequence":null,"usage":{"input_tokens":20,"output_tokens":10}}`

const finalResponse = `{"id":"msg_2","type":"message","role":"assistant","model":"claude-test",
"content":[{"type":"text","text":"Got it, monthly reviews it is."}],
"stop_reason":"end_turn","stop_sequence":null,"usage":{"input_tokens":30,"output_tokens":8}}`

type prefRecorder struct {
	tools.MemoryStore
	prefs []string
}

func (p *prefRecorder) StoreUserPreference(_ context.Context, userID, content string, _ bool, category string) error {
	p.prefs = append(p.prefs, userID+"|"+content+"|"+category)
	return nil
}

func TestRun_ExecutesTools(t *testing.T) {
	claude := &scriptedClaude{responses: []string{toolUseResponse, finalResponse}}
	store := &prefRecorder{}
	e := engine.New(newClient(t, claude), nil, engine.WithTools(tools.MemoryTools(store)...))

	state := &core.ConversationState{UserID: "u1", IsRegistered: true}
	reply, err := e.Run(context.Background(), state, "I like to review my budget monthly")
	require.NoError(t, err)

	assert.Equal(t, "Got it, monthly reviews it is.", reply.Text)
	assert.Equal(t, int64(50), reply.InputTokens)
	assert.Equal(t, int64(18), reply.OutputTokens)
	assert.Equal(t, []string{"u1|prefers a monthly budget review|budgeting"}, store.prefs)

	require.Len(t, claude.bodies, 2)
	declared, ok := claude.bodies[0]["tools"].([]any)
	require.True(t, ok)
	assert.Len(t, declared, 4)

	msgs := claude.bodies[1]["messages"].([]any)
	require.Len(t, msgs, 3)
	toolTurn := msgs[2].(map[string]any)
	assert.Equal(t, "user", toolTurn["role"])
	block := toolTurn["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "tool_result", block["type"])
	assert.Equal(t, "toolu_1", block["tool_use_id"])

	require.Len(t, state.Messages, 2, "tool traffic stays out of the conversation history")
}

func TestRun_ToolRoundLimit(t *testing.T) {
	claude := &scriptedClaude{responses: []string{toolUseResponse, toolUseResponse}}
	store := &prefRecorder{}
	e := engine.New(newClient(t, claude), nil,
		engine.WithTools(tools.MemoryTools(store)...),
		engine.WithMaxToolRounds(1))

	reply, err := e.Run(context.Background(), &core.ConversationState{UserID: "u1"}, "hi")
	require.NoError(t, err)
	assert.Len(t, claude.bodies, 2)
	assert.Equal(t, "tool_use", reply.StopReason)
	assert.Equal(t, "Let me note that.", reply.Text)
}
