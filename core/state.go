package core

import "time"

// MemoryContext records what the memory system contributed to the
// current turn.
type MemoryContext struct {
	// RelevantHistory is the formatted context block injected last turn.
	RelevantHistory string `json:"relevant_history,omitempty"`

	// LastInteraction is when context was last injected.
	LastInteraction time.Time `json:"last_interaction,omitempty"`

	// CurrentStep is the pipeline step the runtime is executing.
	CurrentStep string `json:"current_step,omitempty"`
}

// ConversationState is owned by the orchestration runtime. The memory
// coordinator mutates it in place but never creates or destroys it.
type ConversationState struct {
	UserID       string
	ThreadID     string
	IsRegistered bool

	// Messages is ordered oldest first.
	Messages []Message

	MemoryContext MemoryContext

	// LastRoutingStep names the agent or route that produced the latest
	// assistant message. Used as the source of persisted conversation memory.
	LastRoutingStep string
}

// LastMessage returns the newest message, if any.
func (s *ConversationState) LastMessage() (Message, bool) {
	if s == nil || len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// AddMessage appends a message to the conversation.
func (s *ConversationState) AddMessage(role, content string) {
	s.Messages = append(s.Messages, Message{Role: role, Content: content})
}
