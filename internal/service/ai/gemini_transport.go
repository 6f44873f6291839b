package ai

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// GeminiConfig configures the native Gemini REST transport.
type GeminiConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// GeminiTransport implements Transport against the Google Gemini API.
type GeminiTransport struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

var _ Transport = (*GeminiTransport)(nil)

// NewGeminiTransport creates a Gemini transport.
func NewGeminiTransport(cfg GeminiConfig, logger *zap.Logger) *GeminiTransport {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}

	client := cfg.HTTPClient
	if client == nil {
		transport := &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   15 * time.Second,
			ResponseHeaderTimeout: 120 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          10,
			MaxIdleConnsPerHost:   5,
			TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		}
		client = &http.Client{Transport: transport}
	}

	return &GeminiTransport{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		client:  client,
		logger:  logger.With(zap.String("provider", "gemini")),
	}
}

// NewSession creates a chat session. No request is made until the first send.
func (t *GeminiTransport) NewSession(_ context.Context, cfg SessionConfig) (ChatSession, error) {
	if cfg.Model == "" {
		return nil, wrapErr(OpInit, fmt.Errorf("model is required"))
	}

	session := &geminiSession{
		transport: t,
		model:     cfg.Model,
	}
	if cfg.SystemInstruction != "" {
		session.system = &geminiContent{Parts: []geminiPart{{Text: cfg.SystemInstruction}}}
	}
	if cfg.DisableThinking {
		budget := 0
		session.generation = &geminiGenerationConfig{
			ThinkingConfig: &geminiThinkingConfig{ThinkingBudget: &budget},
		}
	}
	return session, nil
}

// Generate calls generateContent with a single user turn.
func (t *GeminiTransport) Generate(ctx context.Context, model, contents string) (string, error) {
	req := &geminiRequest{Contents: []geminiContent{userContent(contents)}}

	resp, err := t.post(ctx, model, "generateContent", req)
	if err != nil {
		return "", wrapErr(OpGenerate, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", wrapErr(OpGenerate, fmt.Errorf("read response: %w", err))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", wrapErr(OpGenerate, fmt.Errorf("parse response: %w", err))
	}
	if parsed.Error != nil {
		return "", wrapErr(OpGenerate, fmt.Errorf("gemini API error %d: %s", parsed.Error.Code, parsed.Error.Message))
	}

	return strings.Join(parsed.text(), ""), nil
}

func (t *GeminiTransport) post(ctx context.Context, model, method string, payload *geminiRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:%s", t.baseURL, model, method)
	if method == "streamGenerateContent" {
		url += "?alt=sse"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", t.apiKey)
	if method == "streamGenerateContent" {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("gemini API error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	return resp, nil
}

type geminiSession struct {
	transport  *GeminiTransport
	model      string
	system     *geminiContent
	generation *geminiGenerationConfig

	mu      sync.Mutex
	history []geminiContent
}

func (s *geminiSession) SendStreaming(ctx context.Context, message string) (FragmentStream, error) {
	s.mu.Lock()
	contents := make([]geminiContent, 0, len(s.history)+1)
	contents = append(contents, s.history...)
	s.mu.Unlock()
	contents = append(contents, userContent(message))

	req := &geminiRequest{
		Contents:          contents,
		SystemInstruction: s.system,
		GenerationConfig:  s.generation,
	}

	resp, err := s.transport.post(ctx, s.model, "streamGenerateContent", req)
	if err != nil {
		return nil, wrapErr(OpSend, err)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	return &geminiStream{
		body:    resp.Body,
		scanner: scanner,
		logger:  s.transport.logger,
		commit:  func(reply string) { s.commit(message, reply) },
	}, nil
}

// commit records a completed exchange; failed turns are not remembered.
func (s *geminiSession) commit(message, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, userContent(message), modelContent(reply))
}

// geminiStream reads Gemini's SSE framing: each "data: {...}" line is a full
// GenerateContentResponse whose parts are the next fragments.
type geminiStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	logger  *zap.Logger
	commit  func(reply string)

	pending []string
	reply   strings.Builder
	done    bool
}

func (s *geminiStream) Recv() (string, error) {
	for len(s.pending) == 0 {
		if s.done {
			return "", io.EOF
		}
		if err := s.next(); err != nil {
			s.done = true
			return "", err
		}
	}

	fragment := s.pending[0]
	s.pending = s.pending[1:]
	s.reply.WriteString(fragment)
	return fragment, nil
}

// next reads one SSE event into pending, or finishes the stream.
func (s *geminiStream) next() error {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var resp geminiResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			s.logger.Debug("skip unparseable gemini SSE chunk", zap.Error(err))
			continue
		}
		if resp.Error != nil {
			return wrapErr(OpStream, fmt.Errorf("gemini API error %d: %s", resp.Error.Code, resp.Error.Message))
		}

		if texts := resp.text(); len(texts) > 0 {
			s.pending = append(s.pending, texts...)
			return nil
		}
	}

	if err := s.scanner.Err(); err != nil {
		return wrapErr(OpStream, fmt.Errorf("SSE scan error: %w", err))
	}

	s.done = true
	s.commit(s.reply.String())
	return nil
}

func (s *geminiStream) Close() {
	s.body.Close()
}
