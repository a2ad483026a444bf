package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/engine"
)

// turnRunner runs one conversation turn. *engine.Engine implements it.
type turnRunner interface {
	Run(ctx context.Context, state *core.ConversationState, userMessage string) (*engine.Reply, error)
}

// routingRecorder remembers agent hand-offs. *memory.Manager implements it.
type routingRecorder interface {
	StoreRoutingDecision(ctx context.Context, userID, threadID, fromAgent, toAgent, reason string, isRegistered bool) error
}

// inboundFrame is a client message on /ws.
type inboundFrame struct {
	UserID      string `json:"user_id"`
	ThreadID    string `json:"thread_id"`
	Registered  bool   `json:"registered"`
	Text        string `json:"text"`
	RoutingStep string `json:"routing_step"`
}

// outboundFrame answers one inbound frame.
type outboundFrame struct {
	ThreadID string `json:"thread_id"`
	Reply    string `json:"reply,omitempty"`
	Error    string `json:"error,omitempty"`
}

// thread is a conversation owned by this process. Turns on one thread run
// one at a time.
type thread struct {
	mu    sync.Mutex
	state *core.ConversationState
}

type server struct {
	runner    turnRunner
	decisions routingRecorder
	log       *zap.Logger
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	threads map[string]*thread

	draining atomic.Bool
}

// newServer creates the chat server. decisions may be nil.
func newServer(runner turnRunner, decisions routingRecorder, logger *zap.Logger) *server {
	return &server{
		runner:    runner,
		decisions: decisions,
		log:       logger.Named("server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		threads: make(map[string]*thread),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *server) markDraining() {
	s.draining.Store(true)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "draining"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	for {
		var in inboundFrame
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		out := s.handleFrame(r.Context(), in)
		if err := conn.WriteJSON(out); err != nil {
			s.log.Warn("websocket write failed", zap.Error(err))
			return
		}
	}
}

func (s *server) handleFrame(ctx context.Context, in inboundFrame) outboundFrame {
	if in.UserID == "" {
		return outboundFrame{ThreadID: in.ThreadID, Error: "user_id is required"}
	}
	if strings.TrimSpace(in.Text) == "" {
		return outboundFrame{ThreadID: in.ThreadID, Error: "text is required"}
	}

	t := s.thread(in)
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.UserID != in.UserID {
		return outboundFrame{ThreadID: t.state.ThreadID, Error: "thread belongs to another user"}
	}
	t.state.IsRegistered = in.Registered
	if in.RoutingStep != "" && in.RoutingStep != t.state.LastRoutingStep {
		s.recordRouting(ctx, t.state, in.RoutingStep)
		t.state.LastRoutingStep = in.RoutingStep
	}

	reply, err := s.runner.Run(ctx, t.state, in.Text)
	if err != nil {
		s.log.Error("turn failed",
			zap.String("user_id", in.UserID),
			zap.String("thread_id", t.state.ThreadID),
			zap.Error(err))
		return outboundFrame{ThreadID: t.state.ThreadID, Error: "assistant unavailable, please retry"}
	}
	return outboundFrame{ThreadID: t.state.ThreadID, Reply: reply.Text}
}

func (s *server) recordRouting(ctx context.Context, state *core.ConversationState, to string) {
	if s.decisions == nil {
		return
	}
	from := state.LastRoutingStep
	if from == "" {
		from = "entry"
	}
	if err := s.decisions.StoreRoutingDecision(ctx, state.UserID, state.ThreadID, from, to, "", state.IsRegistered); err != nil {
		s.log.Warn("failed to record routing decision",
			zap.String("thread_id", state.ThreadID),
			zap.Error(err))
	}
}

// thread returns the conversation for in.ThreadID, starting a new one when
// the id is empty or unknown.
func (s *server) thread(in inboundFrame) *thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := in.ThreadID
	if id == "" {
		id = uuid.NewString()
	}
	t, ok := s.threads[id]
	if !ok {
		t = &thread{state: &core.ConversationState{
			UserID:   in.UserID,
			ThreadID: id,
		}}
		s.threads[id] = t
		s.log.Debug("new thread", zap.String("thread_id", id), zap.String("user_id", in.UserID))
	}
	return t
}
