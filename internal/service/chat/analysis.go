package chat

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zhouzirui/the-mirror/backend/internal/metrics"
	"github.com/zhouzirui/the-mirror/backend/internal/model/chat"
	"github.com/zhouzirui/the-mirror/backend/internal/service/ai"
)

const (
	AnalysisPendingText     = "Analyzing for cognitive distortions..."
	AnalysisEmptyText       = "No specific distortions detected, but let's look deeper."
	AnalysisUnavailableText = "Could not perform deep analysis at this moment."
)

// Analyze runs a one-shot distortion analysis of text and returns the finished analysis
// message. It does not touch the busy flag, so it may overlap a main turn. Transport failures
// become the static fallback text instead of an error.
func (c *Conversation) Analyze(ctx context.Context, text string) (chat.Message, error) {
	placeholder, err := c.beginAnalysis(text)
	if err != nil {
		return chat.Message{}, err
	}

	c.finishAnalysis(ctx, placeholder.ID, text)
	msg, _ := c.store.Get(placeholder.ID)
	return msg, nil
}

// AnalyzeAsync appends the analysis placeholder, returns its id and resolves it in the background.
func (c *Conversation) AnalyzeAsync(text string) (string, error) {
	placeholder, err := c.beginAnalysis(text)
	if err != nil {
		return "", err
	}

	c.background(func(ctx context.Context) error {
		c.finishAnalysis(ctx, placeholder.ID, text)
		return nil
	})
	return placeholder.ID, nil
}

func (c *Conversation) beginAnalysis(text string) (chat.Message, error) {
	if strings.TrimSpace(text) == "" {
		return chat.Message{}, ErrEmptyMessage
	}

	placeholder, err := c.store.Append(chat.Message{
		Sender:     chat.SenderAI,
		Text:       AnalysisPendingText,
		IsThinking: true,
		IsAnalysis: true,
	})
	if err != nil {
		return chat.Message{}, fmt.Errorf("append analysis placeholder: %w", err)
	}
	return placeholder, nil
}

// finishAnalysis patches the placeholder exactly once with the result or a fallback.
func (c *Conversation) finishAnalysis(ctx context.Context, placeholderID, text string) {
	ctx, cancel := c.detach(ctx, c.cfg.AnalysisTimeout)
	defer cancel()

	result, err := c.transport.Generate(ctx, c.cfg.Model, ai.AnalysisPrompt(text))
	switch {
	case err != nil:
		c.recordTransportError(err)
		c.metrics.Analysis(metrics.OutcomeFailure)
		c.logger.Warn("analysis failed", zap.String("message", placeholderID), zap.Error(err))
		result = AnalysisUnavailableText
	case strings.TrimSpace(result) == "":
		c.metrics.Analysis(metrics.OutcomeSuccess)
		result = AnalysisEmptyText
	default:
		c.metrics.Analysis(metrics.OutcomeSuccess)
	}

	c.store.PatchByID(placeholderID, chat.TextPatch(result))
}
