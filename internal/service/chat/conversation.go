package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/the-mirror/backend/internal/metrics"
	"github.com/zhouzirui/the-mirror/backend/internal/model/chat"
	"github.com/zhouzirui/the-mirror/backend/internal/model/onboarding"
	"github.com/zhouzirui/the-mirror/backend/internal/service/ai"
)

var (
	ErrTurnInFlight = errors.New("a turn is already in flight")
	ErrEmptyMessage = errors.New("message text is required")
)

const (
	// StartMessageText opens every transcript after onboarding.
	StartMessageText = "Initializing psychological profile..."
	// TransportFailureText is appended as a SYSTEM message when a turn fails.
	TransportFailureText = "Error: The mirror is clouded. Check your connection or API Key."
)

// ConversationConfig configures the model session and time limits of a conversation.
type ConversationConfig struct {
	Model           string
	DisableThinking bool
	TurnTimeout     time.Duration
	AnalysisTimeout time.Duration
}

// Conversation drives request/response turns against the transport and keeps the
// transcript store consistent. Only one main turn runs at a time; analyses are not gated.
type Conversation struct {
	store     *Store
	transport ai.Transport
	cfg       ConversationConfig
	metrics   *metrics.Metrics
	logger    *zap.Logger

	busy    atomic.Bool
	started atomic.Bool

	sessionMu sync.Mutex
	session   ai.ChatSession

	inflight sync.WaitGroup
	pending  atomic.Int32
}

// NewConversation creates a conversation over store using transport.
func NewConversation(store *Store, transport ai.Transport, cfg ConversationConfig, m *metrics.Metrics, logger *zap.Logger) *Conversation {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conversation{
		store:     store,
		transport: transport,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
	}
}

// Store exposes the transcript.
func (c *Conversation) Store() *Store {
	return c.store
}

// Busy reports whether a main turn is in flight; input should be disabled while true.
func (c *Conversation) Busy() bool {
	return c.busy.Load()
}

// Idle reports whether no turn or analysis is running.
func (c *Conversation) Idle() bool {
	return !c.busy.Load() && c.pending.Load() == 0
}

// Started reports whether onboarding has completed.
func (c *Conversation) Started() bool {
	return c.started.Load()
}

// Wait blocks until every turn and analysis started with an *Async method has finished.
func (c *Conversation) Wait() {
	c.inflight.Wait()
}

// Send appends text as a USER message and streams the reply. It blocks until the turn ends.
func (c *Conversation) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	return c.RunTurn(ctx, text, true)
}

// SendAsync validates text and claims the turn synchronously, then streams the reply in the
// background. ErrTurnInFlight means nothing was changed.
func (c *Conversation) SendAsync(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if !c.acquire() {
		return ErrTurnInFlight
	}

	c.background(func(ctx context.Context) error {
		return c.runTurn(ctx, text, true)
	})
	return nil
}

// Start completes onboarding: the chat session is replaced, the transcript restarts with the
// SYSTEM start message and the onboarding context is sent as a hidden opening turn.
func (c *Conversation) Start(ctx context.Context, answers onboarding.Answers) error {
	if err := answers.Validate(); err != nil {
		return err
	}
	if !c.acquire() {
		return ErrTurnInFlight
	}
	if err := c.restart(ctx); err != nil {
		c.release()
		return err
	}
	return c.runTurn(ctx, ai.OpeningPrompt(answers.Context()), false)
}

// StartAsync is Start with the opening turn running in the background.
func (c *Conversation) StartAsync(answers onboarding.Answers) error {
	if err := answers.Validate(); err != nil {
		return err
	}
	if !c.acquire() {
		return ErrTurnInFlight
	}
	if err := c.restart(context.Background()); err != nil {
		c.release()
		return err
	}

	prompt := ai.OpeningPrompt(answers.Context())
	c.background(func(ctx context.Context) error {
		return c.runTurn(ctx, prompt, false)
	})
	return nil
}

// RunTurn sends prompt to the model and folds the streamed reply into a new AI message.
// When displayUserMessage is false the prompt is sent but never shown in the transcript.
// Transport failures are recorded in the transcript and also returned.
func (c *Conversation) RunTurn(ctx context.Context, prompt string, displayUserMessage bool) error {
	if !c.acquire() {
		return ErrTurnInFlight
	}
	return c.runTurn(ctx, prompt, displayUserMessage)
}

// runTurn requires the busy flag to be held and always releases it.
func (c *Conversation) runTurn(ctx context.Context, prompt string, displayUserMessage bool) error {
	defer c.release()

	finish := c.metrics.TurnStarted()
	ctx, cancel := c.detach(ctx, c.cfg.TurnTimeout)
	defer cancel()

	if displayUserMessage {
		if _, err := c.store.Append(chat.Message{Sender: chat.SenderUser, Text: prompt}); err != nil {
			finish(metrics.OutcomeFailure)
			return fmt.Errorf("append user message: %w", err)
		}
	}

	// The placeholder goes in before any transport call so clients can show progress at once.
	placeholder, err := c.store.Append(chat.Message{Sender: chat.SenderAI, IsThinking: true})
	if err != nil {
		finish(metrics.OutcomeFailure)
		return fmt.Errorf("append placeholder: %w", err)
	}

	fragments, err := c.stream(ctx, placeholder.ID, prompt)
	if err != nil {
		c.fail(placeholder.ID, err)
		finish(metrics.OutcomeFailure)
		return err
	}

	if fragments == 0 {
		c.store.PatchByID(placeholder.ID, chat.TextPatch(""))
	}

	c.logger.Debug("turn completed",
		zap.String("message", placeholder.ID),
		zap.Int("fragments", fragments))
	finish(metrics.OutcomeSuccess)
	return nil
}

// stream consumes the reply in arrival order, patching the placeholder with the accumulated
// text after every fragment.
func (c *Conversation) stream(ctx context.Context, messageID, prompt string) (int, error) {
	session, err := c.ensureSession(ctx)
	if err != nil {
		return 0, err
	}

	reply, err := session.SendStreaming(ctx, prompt)
	if err != nil {
		return 0, err
	}
	defer reply.Close()

	var (
		text      strings.Builder
		fragments int
	)
	for {
		fragment, err := reply.Recv()
		if errors.Is(err, io.EOF) {
			return fragments, nil
		}
		if err != nil {
			return fragments, err
		}

		fragments++
		text.WriteString(fragment)
		c.store.PatchByID(messageID, chat.TextPatch(text.String()))
		c.metrics.Fragment()
	}
}

// fail leaves the placeholder's partial text in place and reports the failure in a SYSTEM message.
func (c *Conversation) fail(placeholderID string, err error) {
	c.recordTransportError(err)
	c.logger.Warn("turn failed", zap.String("message", placeholderID), zap.Error(err))

	done := false
	c.store.PatchByID(placeholderID, chat.Patch{IsThinking: &done})
	if _, appendErr := c.store.Append(chat.Message{Sender: chat.SenderSystem, Text: TransportFailureText}); appendErr != nil {
		c.logger.Error("append failure message", zap.Error(appendErr))
	}
}

// ensureSession returns the current chat session, creating it on first use.
func (c *Conversation) ensureSession(ctx context.Context) (ai.ChatSession, error) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if c.session != nil {
		return c.session, nil
	}

	session, err := c.transport.NewSession(ctx, c.sessionConfig())
	if err != nil {
		return nil, err
	}
	c.session = session
	return session, nil
}

// restart replaces the chat session wholesale and resets the transcript to the start message.
// A session that cannot be created now is retried lazily by the opening turn, which then
// reports the failure in the transcript.
func (c *Conversation) restart(ctx context.Context) error {
	session, err := c.transport.NewSession(context.WithoutCancel(ctx), c.sessionConfig())
	if err != nil {
		c.logger.Warn("chat session init failed, deferring to first turn", zap.Error(err))
		session = nil
	}

	c.sessionMu.Lock()
	c.session = session
	c.sessionMu.Unlock()

	if _, err := c.store.Reset(chat.Message{Sender: chat.SenderSystem, Text: StartMessageText}); err != nil {
		return fmt.Errorf("reset transcript: %w", err)
	}
	c.started.Store(true)
	return nil
}

func (c *Conversation) sessionConfig() ai.SessionConfig {
	return ai.SessionConfig{
		SystemInstruction: ai.SystemInstruction,
		Model:             c.cfg.Model,
		DisableThinking:   c.cfg.DisableThinking,
	}
}

func (c *Conversation) acquire() bool {
	if c.busy.CompareAndSwap(false, true) {
		return true
	}
	c.metrics.TurnRejected()
	return false
}

// release clears the busy flag, then tells subscribers the conversation is idle.
func (c *Conversation) release() {
	c.busy.Store(false)
	c.store.Signal(EventIdle)
}

// detach drops the caller's cancellation: a started turn always runs to completion or failure.
func (c *Conversation) detach(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

func (c *Conversation) background(fn func(ctx context.Context) error) {
	c.inflight.Add(1)
	c.pending.Add(1)
	go func() {
		defer c.inflight.Done()
		defer c.pending.Add(-1)
		if err := fn(context.Background()); err != nil {
			c.logger.Info("background turn ended with error", zap.Error(err))
		}
	}()
}

func (c *Conversation) recordTransportError(err error) {
	var te *ai.TransportError
	if errors.As(err, &te) {
		c.metrics.TransportError(te.Op)
		return
	}
	c.metrics.TransportError("unknown")
}
