package ai

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zhouzirui/the-mirror/backend/internal/config"
)

// Transport operations reported in TransportError.Op.
const (
	OpInit     = "init"
	OpSend     = "send"
	OpStream   = "stream"
	OpGenerate = "generate"
)

// SessionConfig configures a conversational session with the model.
type SessionConfig struct {
	SystemInstruction string
	Model             string
	DisableThinking   bool
}

// Transport is the boundary to the hosted LLM chat API.
type Transport interface {
	// NewSession opens a conversational session that remembers completed turns.
	NewSession(ctx context.Context, cfg SessionConfig) (ChatSession, error)
	// Generate runs a single stateless request and returns the full reply text.
	Generate(ctx context.Context, model, contents string) (string, error)
}

// ChatSession carries the turn history of one conversation.
type ChatSession interface {
	// SendStreaming sends message and returns the reply as a stream of text fragments.
	SendStreaming(ctx context.Context, message string) (FragmentStream, error)
}

// FragmentStream is a finite, non-restartable sequence of reply fragments.
// Recv returns io.EOF once the reply is complete.
type FragmentStream interface {
	Recv() (string, error)
	Close()
}

// TransportError is the only error kind surfaced by transports: network, auth and quota
// failures are not told apart.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// NewTransport builds the transport selected by cfg.Provider.
func NewTransport(ctx context.Context, cfg config.AIConfig, logger *zap.Logger) (Transport, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("ai provider %q is missing credentials or model", cfg.Provider)
	}

	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiTransport(GeminiConfig{
			APIKey:  cfg.GeminiAPIKey,
			BaseURL: cfg.GeminiBaseURL,
		}, logger), nil
	case config.ProviderArk:
		chatModel, err := cfg.NewChatModel(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create chat model: %w", err)
		}
		return NewArkTransport(chatModel, logger), nil
	default:
		return nil, fmt.Errorf("unsupported ai provider %q", cfg.Provider)
	}
}
