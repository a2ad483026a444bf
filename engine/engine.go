// Package engine runs conversation turns against Claude with the memory
// coordinator wrapped around each call.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/tools"
)

// DefaultSystemPrompt is used when none is configured.
const DefaultSystemPrompt = `You are Nim, a friendly financial assistant. ` +
	`Help the user understand their spending, budgets, savings and transfers. ` +
	`When a memory context block is present, use it to personalise your answer, ` +
	`but never invent facts that are not in the conversation or the context.`

const (
	defaultModel         = "claude-sonnet-4-20250514"
	defaultMaxTokens     = 1024
	defaultMaxToolRounds = 4
)

// ErrEmptyConversation is returned when no user message is left to send.
var ErrEmptyConversation = errors.New("engine: conversation has no user message")

// MemoryCoordinator is the per-turn memory hook. conversation.Coordinator
// implements it.
type MemoryCoordinator interface {
	ProcessStateWithMemory(ctx context.Context, state *core.ConversationState, incoming string) *core.ConversationState
	SaveAIMessageToMemory(ctx context.Context, state *core.ConversationState)
}

// Engine runs a turn against Claude, executing tool calls until Claude
// produces a final answer.
type Engine struct {
	client        *anthropic.Client
	memory        MemoryCoordinator
	model         string
	maxTokens     int64
	systemPrompt  string
	tools         map[string]tools.Tool
	apiTools      []anthropic.ToolUnionParam
	maxToolRounds int
	log           *zap.Logger
}

// Option configures the engine.
type Option func(*Engine)

// WithModel sets the Claude model.
func WithModel(model string) Option {
	return func(e *Engine) {
		if model != "" {
			e.model = model
		}
	}
}

// WithMaxTokens sets the response token limit.
func WithMaxTokens(n int64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxTokens = n
		}
	}
}

// WithSystemPrompt replaces DefaultSystemPrompt.
func WithSystemPrompt(prompt string) Option {
	return func(e *Engine) {
		if prompt != "" {
			e.systemPrompt = prompt
		}
	}
}

// WithTools makes tools available to Claude.
func WithTools(ts ...tools.Tool) Option {
	return func(e *Engine) {
		for _, t := range ts {
			e.tools[t.Name] = t
			e.apiTools = append(e.apiTools, anthropic.ToolUnionParam{
				OfTool: &anthropic.ToolParam{
					Name:        t.Name,
					Description: anthropic.String(t.Description),
					InputSchema: anthropic.ToolInputSchemaParam{
						Properties: t.InputSchema.Properties,
						Required:   t.InputSchema.Required,
					},
				},
			})
		}
	}
}

// WithMaxToolRounds bounds how many tool-use round trips one turn may take.
// Default: 4.
func WithMaxToolRounds(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxToolRounds = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// New creates an engine. coordinator may be nil to run without memory.
func New(client *anthropic.Client, coordinator MemoryCoordinator, opts ...Option) *Engine {
	e := &Engine{
		client:        client,
		memory:        coordinator,
		model:         defaultModel,
		maxTokens:     defaultMaxTokens,
		systemPrompt:  DefaultSystemPrompt,
		tools:         make(map[string]tools.Tool),
		maxToolRounds: defaultMaxToolRounds,
		log:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.Named("engine")
	return e
}

// Reply is the outcome of one turn.
type Reply struct {
	Text         string
	StopReason   string
	InputTokens  int64
	OutputTokens int64
}

// Run appends userMessage to state, lets the memory coordinator prepare the
// history, calls Claude and appends the reply. The reply is saved to memory
// afterwards. Claude errors are returned; memory failures never are.
func (e *Engine) Run(ctx context.Context, state *core.ConversationState, userMessage string) (*Reply, error) {
	return e.run(ctx, state, userMessage, nil)
}

// RunStreaming is Run with text deltas delivered to onText as they arrive.
func (e *Engine) RunStreaming(ctx context.Context, state *core.ConversationState, userMessage string, onText func(chunk string)) (*Reply, error) {
	return e.run(ctx, state, userMessage, onText)
}

func (e *Engine) run(ctx context.Context, state *core.ConversationState, userMessage string, onText func(string)) (*Reply, error) {
	if state == nil {
		return nil, errors.New("engine: nil conversation state")
	}

	// === PHASE 0: RECORD INPUT AND RETRIEVE MEMORIES ===
	state.Messages = append(state.Messages, core.Message{
		Role:    core.RoleUser,
		Content: userMessage,
		ID:      uuid.NewString(),
	})
	if e.memory != nil {
		state = e.memory.ProcessStateWithMemory(ctx, state, userMessage)
	}

	// === PHASE 1: BUILD REQUEST ===
	system, messages := e.buildRequest(state.Messages)
	if len(messages) == 0 {
		return nil, ErrEmptyConversation
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		MaxTokens: e.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
	}
	if len(e.apiTools) > 0 {
		params.Tools = e.apiTools
	}

	// === PHASE 2: CALL CLAUDE, EXECUTING TOOLS ===
	reply := &Reply{}
	for round := 0; ; round++ {
		params.Messages = messages

		var resp *anthropic.Message
		var err error
		if onText != nil {
			resp, err = e.createMessageStreaming(ctx, params, onText)
		} else {
			resp, err = e.client.Messages.New(ctx, params)
		}
		if err != nil {
			e.log.Error("claude call failed", zap.String("thread_id", state.ThreadID), zap.Error(err))
			return nil, fmt.Errorf("claude API error: %w", err)
		}

		reply.InputTokens += resp.Usage.InputTokens
		reply.OutputTokens += resp.Usage.OutputTokens
		reply.StopReason = string(resp.StopReason)
		if text := responseText(resp); text != "" {
			reply.Text = text
		}

		if resp.StopReason != anthropic.StopReasonToolUse || len(e.tools) == 0 {
			break
		}
		if round >= e.maxToolRounds {
			e.log.Warn("tool round limit reached", zap.String("thread_id", state.ThreadID), zap.Int("rounds", round))
			break
		}
		messages = append(messages, resp.ToParam())
		messages = append(messages, anthropic.NewUserMessage(e.executeTools(ctx, state, resp)...))
	}

	// === PHASE 3: RECORD AND REMEMBER REPLY ===
	state.Messages = append(state.Messages, core.Message{
		Role:    core.RoleAssistant,
		Content: reply.Text,
		ID:      uuid.NewString(),
	})
	if e.memory != nil {
		e.memory.SaveAIMessageToMemory(ctx, state)
	}

	e.log.Debug("turn complete",
		zap.String("thread_id", state.ThreadID),
		zap.Int64("input_tokens", reply.InputTokens),
		zap.Int64("output_tokens", reply.OutputTokens))
	return reply, nil
}

// buildRequest folds system messages into the system prompt and converts
// the rest to Claude messages. Claude requires alternating roles starting
// with the user, so consecutive same-role messages are merged and leading
// assistant messages dropped.
func (e *Engine) buildRequest(history []core.Message) (string, []anthropic.MessageParam) {
	systemParts := []string{e.systemPrompt}
	var out []anthropic.MessageParam
	var lastRole string

	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		var role string
		switch m.Role {
		case core.RoleSystem:
			systemParts = append(systemParts, m.Content)
			continue
		case core.RoleAssistant:
			role = core.RoleAssistant
		default:
			role = core.RoleUser
		}
		if len(out) == 0 && role == core.RoleAssistant {
			continue
		}

		block := anthropic.NewTextBlock(m.Content)
		if role == lastRole {
			last := &out[len(out)-1]
			last.Content = append(last.Content, block)
			continue
		}
		if role == core.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
		lastRole = role
	}
	return strings.Join(systemParts, "\n\n"), out
}

// executeTools runs every tool_use block in resp and returns the results.
// Tool failures are reported to Claude, not to the caller.
func (e *Engine) executeTools(ctx context.Context, state *core.ConversationState, resp *anthropic.Message) []anthropic.ContentBlockParamUnion {
	caller := tools.Caller{
		UserID:       state.UserID,
		ThreadID:     state.ThreadID,
		IsRegistered: state.IsRegistered,
	}

	var results []anthropic.ContentBlockParamUnion
	for _, block := range resp.Content {
		if block.Type != "tool_use" {
			continue
		}
		tool, ok := e.tools[block.Name]
		if !ok {
			results = append(results, anthropic.NewToolResultBlock(block.ID, "unknown tool: "+block.Name, true))
			continue
		}

		out, err := tool.Execute(ctx, caller, block.Input)
		if err != nil {
			e.log.Warn("tool failed",
				zap.String("tool", block.Name),
				zap.String("user_id", state.UserID),
				zap.Error(err))
			results = append(results, anthropic.NewToolResultBlock(block.ID, err.Error(), true))
			continue
		}
		e.log.Debug("tool executed", zap.String("tool", block.Name))
		results = append(results, anthropic.NewToolResultBlock(block.ID, out, false))
	}
	return results
}

// createMessageStreaming handles streaming API calls.
func (e *Engine) createMessageStreaming(ctx context.Context, params anthropic.MessageNewParams, onText func(string)) (*anthropic.Message, error) {
	stream := e.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			e.log.Warn("stream accumulation failed", zap.Error(err))
		}

		switch evt := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := evt.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				onText(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return &message, nil
}

// responseText joins the text blocks of a response.
func responseText(resp *anthropic.Message) string {
	var parts []string
	for _, block := range resp.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}
