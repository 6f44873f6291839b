package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type geminiStub struct {
	mu       sync.Mutex
	requests []geminiRequest
	paths    []string
	handle   func(w http.ResponseWriter, r *http.Request)
}

func (g *geminiStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req geminiRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.paths = append(g.paths, r.URL.Path)
	g.mu.Unlock()

	g.handle(w, r)
}

func sseChunks(texts ...string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, text := range texts {
			fmt.Fprintf(w, "data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":%q}]}}]}\n\n", text)
		}
	}
}

func newGeminiForTest(t *testing.T, stub *geminiStub) *GeminiTransport {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	return NewGeminiTransport(GeminiConfig{APIKey: "test-key", BaseURL: srv.URL, HTTPClient: srv.Client()}, zap.NewNop())
}

func drain(t *testing.T, stream FragmentStream) ([]string, error) {
	t.Helper()
	defer stream.Close()

	var out []string
	for {
		fragment, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, fragment)
	}
}

func TestGeminiStreamsFragmentsInOrder(t *testing.T) {
	stub := &geminiStub{handle: sseChunks("Stop ", "comparing. ", "Start acting.")}
	transport := newGeminiForTest(t, stub)

	session, err := transport.NewSession(context.Background(), SessionConfig{
		SystemInstruction: "be direct",
		Model:             "gemini-2.5-flash",
		DisableThinking:   true,
	})
	require.NoError(t, err)

	stream, err := session.SendStreaming(context.Background(), "I'm so behind")
	require.NoError(t, err)

	fragments, err := drain(t, stream)
	require.NoError(t, err)
	assert.Equal(t, []string{"Stop ", "comparing. ", "Start acting."}, fragments)

	require.Len(t, stub.requests, 1)
	req := stub.requests[0]
	assert.Equal(t, "/v1beta/models/gemini-2.5-flash:streamGenerateContent", stub.paths[0])
	require.NotNil(t, req.SystemInstruction)
	assert.Equal(t, "be direct", req.SystemInstruction.Parts[0].Text)
	require.NotNil(t, req.GenerationConfig)
	require.NotNil(t, req.GenerationConfig.ThinkingConfig.ThinkingBudget)
	assert.Equal(t, 0, *req.GenerationConfig.ThinkingConfig.ThinkingBudget)
}

func TestGeminiSessionRemembersCompletedTurns(t *testing.T) {
	stub := &geminiStub{handle: sseChunks("reply")}
	transport := newGeminiForTest(t, stub)

	session, err := transport.NewSession(context.Background(), SessionConfig{Model: "m"})
	require.NoError(t, err)

	for _, msg := range []string{"first", "second"} {
		stream, err := session.SendStreaming(context.Background(), msg)
		require.NoError(t, err)
		_, err = drain(t, stream)
		require.NoError(t, err)
	}

	require.Len(t, stub.requests, 2)
	second := stub.requests[1].Contents
	require.Len(t, second, 3)
	assert.Equal(t, "user", second[0].Role)
	assert.Equal(t, "first", second[0].Parts[0].Text)
	assert.Equal(t, "model", second[1].Role)
	assert.Equal(t, "reply", second[1].Parts[0].Text)
	assert.Equal(t, "second", second[2].Parts[0].Text)
}

func TestGeminiSkipsThoughtParts(t *testing.T) {
	stub := &geminiStub{handle: func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"hmm\",\"thought\":true},{\"text\":\"answer\"}]}}]}\n\n")
	}}
	transport := newGeminiForTest(t, stub)

	session, err := transport.NewSession(context.Background(), SessionConfig{Model: "m"})
	require.NoError(t, err)
	stream, err := session.SendStreaming(context.Background(), "q")
	require.NoError(t, err)

	fragments, err := drain(t, stream)
	require.NoError(t, err)
	assert.Equal(t, []string{"answer"}, fragments)
}

func TestGeminiMidStreamErrorIsTransportError(t *testing.T) {
	stub := &geminiStub{handle: func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Stop\"}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"error\":{\"code\":429,\"message\":\"quota\",\"status\":\"RESOURCE_EXHAUSTED\"}}\n\n")
	}}
	transport := newGeminiForTest(t, stub)

	session, err := transport.NewSession(context.Background(), SessionConfig{Model: "m"})
	require.NoError(t, err)
	stream, err := session.SendStreaming(context.Background(), "q")
	require.NoError(t, err)

	fragments, err := drain(t, stream)
	assert.Equal(t, []string{"Stop"}, fragments)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, OpStream, te.Op)
}

func TestGeminiHTTPFailureIsTransportError(t *testing.T) {
	stub := &geminiStub{handle: func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":403,"message":"API key not valid"}}`, http.StatusForbidden)
	}}
	transport := newGeminiForTest(t, stub)

	session, err := transport.NewSession(context.Background(), SessionConfig{Model: "m"})
	require.NoError(t, err)

	_, err = session.SendStreaming(context.Background(), "q")
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, OpSend, te.Op)
	assert.Contains(t, err.Error(), "403")
}

func TestGeminiGenerate(t *testing.T) {
	stub := &geminiStub{handle: func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"Catastrophizing. "},{"text":"You are 30, not 90."}]}}]}`)
	}}
	transport := newGeminiForTest(t, stub)

	text, err := transport.Generate(context.Background(), "gemini-2.5-flash", "analyze this")
	require.NoError(t, err)
	assert.Equal(t, "Catastrophizing. You are 30, not 90.", text)
	assert.True(t, strings.HasSuffix(stub.paths[0], ":generateContent"))
	assert.Nil(t, stub.requests[0].SystemInstruction)
}

func TestGeminiNewSessionRequiresModel(t *testing.T) {
	transport := NewGeminiTransport(GeminiConfig{APIKey: "k"}, zap.NewNop())
	_, err := transport.NewSession(context.Background(), SessionConfig{})
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, OpInit, te.Op)
}
