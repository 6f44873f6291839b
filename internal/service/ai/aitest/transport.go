// Package aitest provides a scripted ai.Transport for tests of code built on the chat engine.
package aitest

import (
	"context"
	"io"
	"sync"

	"github.com/zhouzirui/the-mirror/backend/internal/service/ai"
)

// Transport replays the same scripted reply for every turn.
type Transport struct {
	// Reply is streamed fragment by fragment.
	Reply []string
	// Err, when set, ends the stream after Reply instead of io.EOF.
	Err error
	// Gate, when set, holds every stream before its first fragment until closed.
	Gate chan struct{}

	Analysis    string
	AnalysisErr error

	mu      sync.Mutex
	prompts []string
}

var _ ai.Transport = (*Transport)(nil)

// NewSession returns a session bound to t.
func (t *Transport) NewSession(context.Context, ai.SessionConfig) (ai.ChatSession, error) {
	return &session{transport: t}, nil
}

// Generate returns Analysis or AnalysisErr.
func (t *Transport) Generate(context.Context, string, string) (string, error) {
	return t.Analysis, t.AnalysisErr
}

// Prompts returns every message sent through a session, in order.
func (t *Transport) Prompts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.prompts...)
}

type session struct {
	transport *Transport
}

func (s *session) SendStreaming(_ context.Context, message string) (ai.FragmentStream, error) {
	s.transport.mu.Lock()
	s.transport.prompts = append(s.transport.prompts, message)
	s.transport.mu.Unlock()

	return &stream{fragments: s.transport.Reply, err: s.transport.Err, gate: s.transport.Gate}, nil
}

type stream struct {
	fragments []string
	err       error
	gate      chan struct{}
	pos       int
}

func (s *stream) Recv() (string, error) {
	if s.gate != nil {
		<-s.gate
		s.gate = nil
	}
	if s.pos < len(s.fragments) {
		s.pos++
		return s.fragments[s.pos-1], nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *stream) Close() {}
