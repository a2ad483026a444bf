package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Fixed markers around the context block injected into prompts. The
// conversation coordinator looks for ContextHeader to avoid injecting twice.
const (
	ContextHeader = "=== RELEVANT MEMORY CONTEXT ==="
	ContextFooter = "=== END MEMORY CONTEXT ==="
)

// Manager selects a store by registration status and exposes the domain
// helpers used by the conversation pipeline.
//
// Unregistered users always go to the ephemeral store; registered users go
// to the persistent store. The ephemeral store is a process-lifetime
// resource owned by the manager and injected at startup.
type Manager struct {
	ephemeral  Store
	persistent Store
	config     *Config
	log        *zap.Logger
}

// NewManager creates a new Manager. persistent may be nil, in which case
// registered users fall back to the ephemeral store.
func NewManager(ephemeral, persistent Store, config *Config, logger *zap.Logger) *Manager {
	if config == nil {
		config = DefaultConfig
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("memory")
	if persistent == nil {
		logger.Warn("no persistent store configured, registered users will use the ephemeral store")
	}
	return &Manager{
		ephemeral:  ephemeral,
		persistent: persistent,
		config:     config,
		log:        logger,
	}
}

// GetStore returns the store for a user. It has no side effects.
func (m *Manager) GetStore(isRegistered bool) Store {
	if isRegistered && m.persistent != nil {
		return m.persistent
	}
	return m.ephemeral
}

// ConversationMeta is the optional metadata attached to conversation turns.
type ConversationMeta struct {
	ThreadID string
	Source   string
}

// StoreConversationMemory records a conversational utterance.
func (m *Manager) StoreConversationMemory(ctx context.Context, userID, content string, isRegistered bool, meta ConversationMeta) error {
	return m.add(ctx, isRegistered, TypeConversation, content, Metadata{
		UserID:   userID,
		ThreadID: meta.ThreadID,
		Source:   meta.Source,
	})
}

// StoreFinancialAction records a money movement or other financial action.
func (m *Manager) StoreFinancialAction(ctx context.Context, userID, content string, isRegistered bool, amount *float64, category string) error {
	return m.add(ctx, isRegistered, TypeTransaction, content, Metadata{
		UserID:   userID,
		Amount:   amount,
		Category: category,
	})
}

// StoreAction records a non-monetary action taken on the user's behalf,
// such as creating a budget or updating a profile.
func (m *Manager) StoreAction(ctx context.Context, userID, content string, isRegistered bool, source string) error {
	return m.add(ctx, isRegistered, TypeAction, content, Metadata{
		UserID: userID,
		Source: source,
	})
}

// StoreUserPreference records a stated user preference.
func (m *Manager) StoreUserPreference(ctx context.Context, userID, content string, isRegistered bool, category string) error {
	return m.add(ctx, isRegistered, TypePreference, content, Metadata{
		UserID:   userID,
		Category: category,
	})
}

// StoreRoutingDecision records which agent a turn was routed to and why.
func (m *Manager) StoreRoutingDecision(ctx context.Context, userID, threadID, fromAgent, toAgent, reason string, isRegistered bool) error {
	content := fmt.Sprintf("Routed from %s to %s", fromAgent, toAgent)
	if reason != "" {
		content += ": " + reason
	}
	return m.add(ctx, isRegistered, TypeRoutingDecision, content, Metadata{
		UserID:   userID,
		ThreadID: threadID,
		Source:   fromAgent,
		Extra: map[string]any{
			"from_agent": fromAgent,
			"to_agent":   toAgent,
		},
	})
}

// StoreAgentInteraction records output produced by a specialist agent.
func (m *Manager) StoreAgentInteraction(ctx context.Context, userID, threadID, agent, content string, isRegistered bool) error {
	return m.add(ctx, isRegistered, TypeAgentInteraction, content, Metadata{
		UserID:   userID,
		ThreadID: threadID,
		Source:   agent,
	})
}

// StoreRegistrationStep records onboarding progress. Users mid-registration
// are unregistered by definition, so this always uses the ephemeral store.
func (m *Manager) StoreRegistrationStep(ctx context.Context, userID, step, content string) error {
	return m.add(ctx, false, TypeRegistrationStep, content, Metadata{
		UserID: userID,
		Source: "registration",
		Extra:  map[string]any{"step": step},
	})
}

func (m *Manager) add(ctx context.Context, isRegistered bool, memType Type, content string, meta Metadata) error {
	if !m.config.Enabled {
		return nil // Memory disabled
	}
	meta.Timestamp = m.config.now().UnixMilli()
	record := NewRecord(memType, content, meta)

	if err := m.GetStore(isRegistered).AddMemory(ctx, record); err != nil {
		return err
	}
	m.log.Debug("stored memory",
		zap.String("user_id", meta.UserID),
		zap.String("type", string(memType)),
		zap.Bool("registered", isRegistered))
	return nil
}

// SearchRelevantMemories returns up to Config.SearchLimit memories similar
// to query. An empty memType searches every type.
func (m *Manager) SearchRelevantMemories(ctx context.Context, query, userID string, isRegistered bool, memType Type) ([]SearchResult, error) {
	if !m.config.Enabled {
		return nil, nil
	}
	return m.GetStore(isRegistered).SearchMemories(ctx, query, SearchOptions{
		UserID: userID,
		Type:   memType,
		Limit:  m.config.searchLimit(),
	})
}

// GetUserMemories lists a user's memories from the store matching their
// registration status.
func (m *Manager) GetUserMemories(ctx context.Context, userID string, isRegistered bool, memType Type) ([]Record, error) {
	if !m.config.Enabled {
		return nil, nil
	}
	return m.GetStore(isRegistered).GetUserMemories(ctx, userID, memType)
}

// GetContextForPrompt finds the memories most relevant to query and formats
// them for prompt injection. It returns "" when nothing clears
// Config.ContextMinScore. Errors are logged and also yield "": context is an
// enhancement, replying never depends on it.
func (m *Manager) GetContextForPrompt(ctx context.Context, userID, query string, isRegistered bool) (formatted string) {
	if !m.config.Enabled {
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("context retrieval panicked", zap.Any("panic", r))
			formatted = ""
		}
	}()

	minScore := m.config.contextMinScore()
	results, err := m.GetStore(isRegistered).SearchMemories(ctx, query, SearchOptions{
		UserID:   userID,
		Limit:    m.config.contextLimit(),
		MinScore: minScore,
	})
	if err != nil {
		m.log.Warn("context retrieval failed",
			zap.String("user_id", userID),
			zap.Error(err))
		return ""
	}

	qualified := results[:0]
	for _, r := range results {
		if r.Score >= minScore {
			qualified = append(qualified, r)
		}
	}
	results = qualified

	m.log.Debug("retrieved memories",
		zap.Int("count", len(results)),
		zap.String("query", truncateLog(query, 50)))
	if len(results) == 0 {
		return ""
	}
	return m.formatContext(results)
}

// formatContext renders results as "[timestamp] type: content" lines between
// the fixed header and footer.
func (m *Manager) formatContext(results []SearchResult) string {
	lines := make([]string, 0, len(results))
	for _, r := range results {
		ts := r.Record.Metadata.Time().In(m.config.location()).Format(m.config.timestampLayout())
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", ts, r.Record.Type, r.Record.Content))
	}
	return ContextHeader + "\n" + strings.Join(lines, "\n") + "\n" + ContextFooter
}

// CleanupOldMemories deletes a user's memories older than before.
// The ephemeral store cannot delete, so callers must tolerate
// ErrNotSupported for unregistered users.
func (m *Manager) CleanupOldMemories(ctx context.Context, userID string, before time.Time, isRegistered bool, memType Type) error {
	return m.GetStore(isRegistered).DeleteMemories(ctx, DeleteCriteria{
		UserID: userID,
		Type:   memType,
		Before: before.UnixMilli(),
	})
}

// Close closes both stores.
func (m *Manager) Close() error {
	var firstErr error
	for _, s := range []Store{m.ephemeral, m.persistent} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// truncateLog truncates text for logging.
func truncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// Config holds Manager configuration.
type Config struct {
	// Enabled toggles the memory system on/off.
	// Default: true.
	Enabled bool

	// SearchLimit caps SearchRelevantMemories.
	// Default: 5
	SearchLimit int

	// ContextLimit caps how many memories are injected into a prompt.
	// Default: 3
	ContextLimit int

	// ContextMinScore is the minimum score for prompt injection [0.0-1.0].
	// Default: 0.8
	ContextMinScore float64

	// Location localizes context timestamps.
	// Default: time.Local
	Location *time.Location

	// TimestampLayout formats context timestamps.
	// Default: "1/2/2006, 3:04:05 PM"
	TimestampLayout string

	// Now overrides the clock used to stamp new memories.
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
var DefaultConfig = &Config{
	Enabled:         true,
	SearchLimit:     5,
	ContextLimit:    3,
	ContextMinScore: 0.8,
	TimestampLayout: "1/2/2006, 3:04:05 PM",
}

func (c *Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Config) searchLimit() int {
	if c.SearchLimit > 0 {
		return c.SearchLimit
	}
	return DefaultConfig.SearchLimit
}

func (c *Config) contextLimit() int {
	if c.ContextLimit > 0 {
		return c.ContextLimit
	}
	return DefaultConfig.ContextLimit
}

func (c *Config) contextMinScore() float64 {
	if c.ContextMinScore > 0 {
		return c.ContextMinScore
	}
	return DefaultConfig.ContextMinScore
}

func (c *Config) location() *time.Location {
	if c.Location != nil {
		return c.Location
	}
	return time.Local
}

func (c *Config) timestampLayout() string {
	if c.TimestampLayout != "" {
		return c.TimestampLayout
	}
	return DefaultConfig.TimestampLayout
}
