package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
)

// ArkTransport talks to a Volcengine Ark model through an eino chain.
type ArkTransport struct {
	chatModel model.BaseChatModel
	logger    *zap.Logger
}

var _ Transport = (*ArkTransport)(nil)

// NewArkTransport wraps an eino chat model.
func NewArkTransport(chatModel model.BaseChatModel, logger *zap.Logger) *ArkTransport {
	return &ArkTransport{
		chatModel: chatModel,
		logger:    logger.With(zap.String("provider", "ark")),
	}
}

// NewSession compiles the system → history → query chain used for every turn of the session.
// The Ark model id and thinking mode are fixed when the chat model is built.
func (t *ArkTransport) NewSession(ctx context.Context, cfg SessionConfig) (ChatSession, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(t.chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, wrapErr(OpInit, fmt.Errorf("failed to compile chat chain: %w", err))
	}

	return &arkSession{
		chain:  runnable,
		system: cfg.SystemInstruction,
		logger: t.logger,
	}, nil
}

// Generate sends contents as a single user message outside any session.
func (t *ArkTransport) Generate(ctx context.Context, modelID, contents string) (string, error) {
	resp, err := t.chatModel.Generate(ctx, []*schema.Message{schema.UserMessage(contents)})
	if err != nil {
		return "", wrapErr(OpGenerate, err)
	}
	if resp == nil {
		return "", nil
	}

	t.logger.Debug("generated one-shot response", zap.String("model", modelID), zap.Int("length", len(resp.Content)))
	return resp.Content, nil
}

type arkSession struct {
	chain  compose.Runnable[map[string]any, *schema.Message]
	system string
	logger *zap.Logger

	mu      sync.Mutex
	history []*schema.Message
}

func (s *arkSession) SendStreaming(ctx context.Context, message string) (FragmentStream, error) {
	s.mu.Lock()
	history := append([]*schema.Message(nil), s.history...)
	s.mu.Unlock()

	input := map[string]any{
		"system":  s.system,
		"history": history,
		"query":   message,
	}

	reader, err := s.chain.Stream(ctx, input)
	if err != nil {
		return nil, wrapErr(OpSend, fmt.Errorf("failed to stream chat chain output: %w", err))
	}

	return &arkStream{
		reader: reader,
		commit: func(reply string) { s.commit(message, reply) },
	}, nil
}

// commit records a completed exchange; failed turns are not remembered.
func (s *arkSession) commit(query, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, schema.UserMessage(query), schema.AssistantMessage(reply, nil))
}

func (s *arkSession) turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history) / 2
}

type arkStream struct {
	reader *schema.StreamReader[*schema.Message]
	commit func(reply string)
	reply  strings.Builder
	done   bool
}

func (s *arkStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}

	for {
		chunk, err := s.reader.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			s.commit(s.reply.String())
			return "", io.EOF
		}
		if err != nil {
			s.done = true
			return "", wrapErr(OpStream, err)
		}
		// Reasoning-only chunks carry no reply text.
		if chunk == nil || chunk.Content == "" {
			continue
		}

		s.reply.WriteString(chunk.Content)
		return chunk.Content, nil
	}
}

func (s *arkStream) Close() {
	s.reader.Close()
}
