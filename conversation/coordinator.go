// Package conversation integrates the memory manager into the per-turn
// conversation pipeline.
//
// The runtime calls ProcessStateWithMemory before generating a reply and
// SaveAIMessageToMemory after. Neither returns an error: a memory outage
// degrades recall but never blocks a reply.
package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/memory"
)

// ContextManager is the part of memory.Manager the coordinator uses.
type ContextManager interface {
	GetContextForPrompt(ctx context.Context, userID, query string, isRegistered bool) string
	StoreConversationMemory(ctx context.Context, userID, content string, isRegistered bool, meta memory.ConversationMeta) error
}

var _ ContextManager = (*memory.Manager)(nil)

// unknownSource is recorded when no routing step produced the reply.
const unknownSource = "unknown"

// Coordinator performs dedup, context injection, pruning and persistence of
// assistant turns. It holds no per-turn state.
type Coordinator struct {
	manager     ContextManager
	log         *zap.Logger
	maxMessages int
	locks       *threadLocks
	now         func() time.Time
}

// Option configures the coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		c.log = l
	}
}

// WithMaxMessages sets the bound Prune is applied with.
// Default: DefaultMaxMessages.
func WithMaxMessages(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxMessages = n
		}
	}
}

// WithThreadSerialization toggles the per-thread lock around both entry
// points. Disable it when the runtime already single-flights each thread.
// Default: on.
func WithThreadSerialization(enabled bool) Option {
	return func(c *Coordinator) {
		if enabled {
			c.locks = newThreadLocks()
		} else {
			c.locks = nil
		}
	}
}

// New creates a coordinator around manager.
func New(manager ContextManager, opts ...Option) *Coordinator {
	c := &Coordinator{
		manager:     manager,
		log:         zap.NewNop(),
		maxMessages: DefaultMaxMessages,
		locks:       newThreadLocks(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("conversation")
	return c
}

// ProcessStateWithMemory prepares state for reply generation: it
// deduplicates the history, injects relevant memories as a leading system
// message (at most once), and prunes the result. The state is mutated in
// place and returned. On any failure it is returned untouched.
func (c *Coordinator) ProcessStateWithMemory(ctx context.Context, state *core.ConversationState, incoming string) *core.ConversationState {
	if state == nil || state.UserID == "" {
		return state
	}

	unlock, err := c.acquire(ctx, state)
	if err != nil {
		c.log.Warn("process skipped", zap.String("thread_id", threadKey(state)), zap.Error(err))
		return state
	}
	defer unlock()

	result, err := c.process(ctx, state, incoming)
	if err != nil {
		c.log.Error("process failed, state left unchanged",
			zap.String("user_id", state.UserID),
			zap.String("thread_id", state.ThreadID),
			zap.Error(err))
		return state
	}

	state.Messages = result.messages
	state.MemoryContext = result.memoryContext
	return state
}

type processResult struct {
	messages      []core.Message
	memoryContext core.MemoryContext
}

func (c *Coordinator) process(ctx context.Context, state *core.ConversationState, incoming string) (res processResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return res, err
	}

	deduped := Dedup(normalize(state.Messages))
	formatted := c.manager.GetContextForPrompt(ctx, state.UserID, incoming, state.IsRegistered)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	res.messages = deduped
	res.memoryContext = state.MemoryContext

	switch {
	case formatted != "":
		if hasInjectedContext(deduped) {
			c.log.Debug("memory context already present", zap.String("thread_id", state.ThreadID))
		} else {
			pruned := Prune(deduped, c.maxMessages)
			res.messages = make([]core.Message, 0, len(pruned)+1)
			res.messages = append(res.messages, core.Message{Role: core.RoleSystem, Content: formatted})
			res.messages = append(res.messages, pruned...)
			c.log.Debug("injected memory context",
				zap.String("thread_id", state.ThreadID),
				zap.Int("messages", len(res.messages)))
		}
		res.memoryContext.RelevantHistory = formatted
		res.memoryContext.LastInteraction = c.now()
	case len(deduped) > 0:
		res.messages = Prune(deduped, c.maxMessages)
	}
	return res, nil
}

// normalize maps runtime role tags ("human", "ai", "System") onto the core
// roles before any role-sensitive step.
func normalize(messages []core.Message) []core.Message {
	out := make([]core.Message, 0, len(messages))
	for _, m := range messages {
		if n, ok := core.NormalizeMessage(m); ok {
			out = append(out, n)
		}
	}
	return out
}

func hasInjectedContext(messages []core.Message) bool {
	for _, m := range messages {
		if m.IsSystem() && strings.Contains(m.Content, memory.ContextHeader) {
			return true
		}
	}
	return false
}

// SaveAIMessageToMemory persists the latest assistant message as a
// conversation memory. Failures are logged.
func (c *Coordinator) SaveAIMessageToMemory(ctx context.Context, state *core.ConversationState) {
	if state == nil || state.UserID == "" || len(state.Messages) == 0 {
		return
	}

	unlock, err := c.acquire(ctx, state)
	if err != nil {
		c.log.Warn("save skipped", zap.String("thread_id", threadKey(state)), zap.Error(err))
		return
	}
	defer unlock()

	if err := c.save(ctx, state); err != nil {
		c.log.Error("failed to save assistant message",
			zap.String("user_id", state.UserID),
			zap.String("thread_id", state.ThreadID),
			zap.Error(err))
	}
}

func (c *Coordinator) save(ctx context.Context, state *core.ConversationState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	last, ok := state.LastMessage()
	if !ok || core.NormalizeRole(last.Role) != core.RoleAssistant || strings.TrimSpace(last.Content) == "" {
		return nil
	}

	source := state.LastRoutingStep
	if source == "" {
		source = unknownSource
	}
	return c.manager.StoreConversationMemory(ctx, state.UserID, last.Content, state.IsRegistered, memory.ConversationMeta{
		ThreadID: state.ThreadID,
		Source:   source,
	})
}

func (c *Coordinator) acquire(ctx context.Context, state *core.ConversationState) (func(), error) {
	if c.locks == nil {
		return func() {}, nil
	}
	return c.locks.lock(ctx, threadKey(state))
}

// threadKey scopes serialisation to the thread, or to the user when the
// runtime has not assigned a thread yet.
func threadKey(state *core.ConversationState) string {
	if state.ThreadID != "" {
		return "thread:" + state.ThreadID
	}
	return "user:" + state.UserID
}
