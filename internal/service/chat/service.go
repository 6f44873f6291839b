package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/the-mirror/backend/internal/metrics"
	"github.com/zhouzirui/the-mirror/backend/internal/model/chat"
	"github.com/zhouzirui/the-mirror/backend/internal/model/onboarding"
	"github.com/zhouzirui/the-mirror/backend/internal/service/ai"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotUserMessage  = errors.New("only user messages can be analyzed")
	ErrAIUnavailable   = errors.New("ai transport unavailable")
)

// Service encapsulates conversation state management.
type Service struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	transport ai.Transport
	cfg       ConversationConfig
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

type entry struct {
	session      chat.Session
	conversation *Conversation
	lastSeen     atomic.Int64
}

func (e *entry) touch(t time.Time) {
	e.lastSeen.Store(t.UnixNano())
}

// NewService bootstraps the in-memory chat service. A nil transport leaves AI features disabled.
func NewService(transport ai.Transport, cfg ConversationConfig, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		sessions:  make(map[string]*entry),
		transport: transport,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// AIEnabled reports whether a transport is configured.
func (s *Service) AIEnabled() bool {
	return s.transport != nil
}

// CreateSession provisions an anonymous session with an empty transcript.
func (s *Service) CreateSession(_ context.Context) (chat.Session, error) {
	if s.transport == nil {
		return chat.Session{}, ErrAIUnavailable
	}

	session := chat.Session{
		ID:        uuid.NewString(),
		CreatedAt: s.now().UTC(),
	}

	logger := s.logger.With(zap.String("session", session.ID))
	conversation := NewConversation(NewStore(logger), s.transport, s.cfg, s.metrics, logger)
	e := &entry{session: session, conversation: conversation}
	e.touch(session.CreatedAt)

	s.mu.Lock()
	s.sessions[session.ID] = e
	s.mu.Unlock()

	s.metrics.SessionOpened()
	logger.Info("session created")
	return session, nil
}

// GetSession retrieves a session by identifier, with its live busy/started flags.
func (s *Service) GetSession(_ context.Context, sessionID string) (chat.Session, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return chat.Session{}, err
	}

	session := e.session
	session.Busy = e.conversation.Busy()
	session.Started = e.conversation.Started()
	return session, nil
}

// Conversation returns the conversation bound to sessionID.
func (s *Service) Conversation(_ context.Context, sessionID string) (*Conversation, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return e.conversation, nil
}

// LoadTranscript returns stored messages for the provided session.
func (s *Service) LoadTranscript(_ context.Context, sessionID string) ([]chat.Message, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return e.conversation.Store().Snapshot(), nil
}

// CompleteOnboarding starts the conversation with the onboarding answers.
func (s *Service) CompleteOnboarding(_ context.Context, sessionID string, answers onboarding.Answers) error {
	e, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	return e.conversation.StartAsync(answers)
}

// SendMessage queues a user message for the session's conversation.
func (s *Service) SendMessage(_ context.Context, sessionID, text string) error {
	e, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	return e.conversation.SendAsync(text)
}

// AnalyzeMessage starts a distortion analysis of a stored USER message and returns the id of
// the analysis message.
func (s *Service) AnalyzeMessage(_ context.Context, sessionID, messageID string) (string, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return "", err
	}

	msg, ok := e.conversation.Store().Get(messageID)
	if !ok {
		return "", ErrMessageNotFound
	}
	if msg.Sender != chat.SenderUser {
		return "", ErrNotUserMessage
	}
	return e.conversation.AnalyzeAsync(msg.Text)
}

// Wait blocks until background work of every conversation has finished.
func (s *Service) Wait() {
	s.mu.RLock()
	conversations := make([]*Conversation, 0, len(s.sessions))
	for _, e := range s.sessions {
		conversations = append(conversations, e.conversation)
	}
	s.mu.RUnlock()

	for _, c := range conversations {
		c.Wait()
	}
}

// Sweep removes sessions not looked up for longer than ttl and returns how many went.
// Sessions with a turn or analysis running, or with a live feed, are kept. Removal closes
// the transcript store, which ends any subscription opened since.
func (s *Service) Sweep(ttl time.Duration) int {
	cutoff := s.now().Add(-ttl).UnixNano()

	s.mu.Lock()
	var expired []*entry
	for id, e := range s.sessions {
		if e.lastSeen.Load() > cutoff {
			continue
		}
		if !e.conversation.Idle() || e.conversation.Store().Subscribers() > 0 {
			continue
		}
		delete(s.sessions, id)
		expired = append(expired, e)
	}
	s.mu.Unlock()

	for _, e := range expired {
		e.conversation.Store().Close()
		s.metrics.SessionClosed()
		s.logger.Info("session expired", zap.String("session", e.session.ID))
	}
	return len(expired)
}

// RunJanitor sweeps idle sessions every quarter ttl until ctx is done. A non-positive ttl
// keeps sessions forever.
func (s *Service) RunJanitor(ctx context.Context, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	interval := ttl / 4
	if interval < time.Millisecond {
		interval = time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(ttl); n > 0 {
				s.logger.Debug("swept idle sessions", zap.Int("count", n))
			}
		}
	}
}

func (s *Service) lookup(sessionID string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	e.touch(s.now())
	return e, nil
}
