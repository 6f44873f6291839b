package chat

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/zhouzirui/the-mirror/backend/internal/service/ai"
)

var errOffline = &ai.TransportError{Op: ai.OpStream, Err: errors.New("connection reset")}

// reply scripts one streamed answer. Err, when set, is returned after the fragments instead of io.EOF.
type reply struct {
	fragments []string
	err       error
	gate      <-chan struct{}
}

type fakeTransport struct {
	mu         sync.Mutex
	replies    []reply
	fallback   reply
	sessionErr error
	sendErr    error
	sessions   int
	prompts    []string
	configs    []ai.SessionConfig
	generate   func(ctx context.Context, model, contents string) (string, error)
}

func (f *fakeTransport) NewSession(_ context.Context, cfg ai.SessionConfig) (ai.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	f.sessions++
	f.configs = append(f.configs, cfg)
	return &fakeSession{transport: f}, nil
}

func (f *fakeTransport) Generate(ctx context.Context, model, contents string) (string, error) {
	if f.generate == nil {
		return "", nil
	}
	return f.generate(ctx, model, contents)
}

func (f *fakeTransport) next(prompt string) (reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.prompts = append(f.prompts, prompt)
	if f.sendErr != nil {
		return reply{}, f.sendErr
	}
	if len(f.replies) == 0 {
		return f.fallback, nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r, nil
}

func (f *fakeTransport) sentPrompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

func (f *fakeTransport) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions
}

type fakeSession struct {
	transport *fakeTransport
}

func (s *fakeSession) SendStreaming(ctx context.Context, message string) (ai.FragmentStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ai.TransportError{Op: ai.OpSend, Err: err}
	}
	r, err := s.transport.next(message)
	if err != nil {
		return nil, err
	}
	return &fakeStream{reply: r}, nil
}

type fakeStream struct {
	reply  reply
	pos    int
	waited bool
	closed bool
}

func (s *fakeStream) Recv() (string, error) {
	if !s.waited && s.reply.gate != nil {
		<-s.reply.gate
	}
	s.waited = true

	if s.pos < len(s.reply.fragments) {
		fragment := s.reply.fragments[s.pos]
		s.pos++
		return fragment, nil
	}
	if s.reply.err != nil {
		return "", s.reply.err
	}
	return "", io.EOF
}

func (s *fakeStream) Close() {
	s.closed = true
}
