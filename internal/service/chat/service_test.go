package chat

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/the-mirror/backend/internal/metrics"
	"github.com/zhouzirui/the-mirror/backend/internal/model/chat"
)

// manualClock is advanced by tests instead of sleeping.
type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClockedService(transport *fakeTransport, m *metrics.Metrics) (*Service, *manualClock) {
	clock := &manualClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	svc := NewService(transport, ConversationConfig{Model: "test-model"}, m, nil)
	svc.now = clock.Now
	return svc, clock
}

func TestCreateAndGetSession(t *testing.T) {
	svc := NewService(&fakeTransport{}, ConversationConfig{Model: "test-model"}, nil, nil)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)
	assert.False(t, session.CreatedAt.IsZero())

	fetched, err := svc.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, fetched.ID)
	assert.False(t, fetched.Started)
	assert.False(t, fetched.Busy)

	msgs, err := svc.LoadTranscript(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestCreateSessionWithoutTransport(t *testing.T) {
	svc := NewService(nil, ConversationConfig{}, nil, nil)

	assert.False(t, svc.AIEnabled())
	_, err := svc.CreateSession(context.Background())
	assert.ErrorIs(t, err, ErrAIUnavailable)
}

func TestUnknownSession(t *testing.T) {
	svc := NewService(&fakeTransport{}, ConversationConfig{}, nil, nil)
	ctx := context.Background()

	_, err := svc.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = svc.LoadTranscript(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, svc.SendMessage(ctx, "missing", "hi"), ErrSessionNotFound)
	_, err = svc.AnalyzeMessage(ctx, "missing", "m1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestOnboardingThenMessage(t *testing.T) {
	transport := &fakeTransport{fallback: reply{fragments: []string{"ok"}}}
	svc := NewService(transport, ConversationConfig{Model: "test-model"}, nil, nil)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.CompleteOnboarding(ctx, session.ID, sampleAnswers()))
	svc.Wait()
	require.NoError(t, svc.SendMessage(ctx, session.ID, "I'm so behind"))
	svc.Wait()

	fetched, err := svc.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, fetched.Started)
	assert.False(t, fetched.Busy)

	msgs, err := svc.LoadTranscript(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, chat.SenderSystem, msgs[0].Sender)
	assert.Equal(t, chat.SenderAI, msgs[1].Sender)
	assert.Equal(t, chat.SenderUser, msgs[2].Sender)
	assert.Equal(t, chat.SenderAI, msgs[3].Sender)
}

func TestAnalyzeMessageValidatesTarget(t *testing.T) {
	transport := &fakeTransport{
		fallback: reply{fragments: []string{"reply"}},
		generate: func(_ context.Context, _, _ string) (string, error) {
			return "Overgeneralization", nil
		},
	}
	svc := NewService(transport, ConversationConfig{}, nil, nil)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx)
	require.NoError(t, err)
	require.NoError(t, svc.SendMessage(ctx, session.ID, "I always fail"))
	svc.Wait()

	msgs, err := svc.LoadTranscript(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	_, err = svc.AnalyzeMessage(ctx, session.ID, "missing")
	assert.ErrorIs(t, err, ErrMessageNotFound)
	_, err = svc.AnalyzeMessage(ctx, session.ID, msgs[1].ID)
	assert.ErrorIs(t, err, ErrNotUserMessage)

	id, err := svc.AnalyzeMessage(ctx, session.ID, msgs[0].ID)
	require.NoError(t, err)
	svc.Wait()

	conv, err := svc.Conversation(ctx, session.ID)
	require.NoError(t, err)
	analysis, ok := conv.Store().Get(id)
	require.True(t, ok)
	assert.Equal(t, "Overgeneralization", analysis.Text)
	assert.True(t, analysis.IsAnalysis)
}

func TestSweepRemovesExpiredSession(t *testing.T) {
	reg := prometheus.NewRegistry()
	svc, clock := newClockedService(&fakeTransport{}, metrics.New(reg))
	ctx := context.Background()

	session, err := svc.CreateSession(ctx)
	require.NoError(t, err)
	conv, err := svc.Conversation(ctx, session.ID)
	require.NoError(t, err)

	clock.Advance(29 * time.Minute)
	assert.Zero(t, svc.Sweep(30*time.Minute))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, svc.Sweep(30*time.Minute))

	_, err = svc.GetSession(ctx, session.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, svc.SendMessage(ctx, session.ID, "hello?"), ErrSessionNotFound)
	assert.True(t, conv.Store().Closed())

	expected := `
# HELP mirror_sessions Live anonymous sessions.
# TYPE mirror_sessions gauge
mirror_sessions 0
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "mirror_sessions"))
}

func TestSweepCountsFromLastLookup(t *testing.T) {
	svc, clock := newClockedService(&fakeTransport{}, nil)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx)
	require.NoError(t, err)

	clock.Advance(20 * time.Minute)
	_, err = svc.GetSession(ctx, session.ID)
	require.NoError(t, err)

	clock.Advance(20 * time.Minute)
	assert.Zero(t, svc.Sweep(30*time.Minute))
	_, err = svc.GetSession(ctx, session.ID)
	assert.NoError(t, err)
}

func TestSweepSkipsBusySession(t *testing.T) {
	gate := make(chan struct{})
	transport := &fakeTransport{replies: []reply{{fragments: []string{"slow"}, gate: gate}}}
	svc, clock := newClockedService(transport, nil)
	ctx := context.Background()

	busy, err := svc.CreateSession(ctx)
	require.NoError(t, err)
	quiet, err := svc.CreateSession(ctx)
	require.NoError(t, err)
	require.NoError(t, svc.SendMessage(ctx, busy.ID, "still typing"))

	clock.Advance(time.Hour)
	assert.Equal(t, 1, svc.Sweep(30*time.Minute))
	_, err = svc.Conversation(ctx, quiet.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	conv, err := svc.Conversation(ctx, busy.ID)
	require.NoError(t, err)
	assert.True(t, conv.Busy())

	close(gate)
	conv.Wait()
	clock.Advance(time.Hour)
	assert.Equal(t, 1, svc.Sweep(30*time.Minute))
}

func TestSweepSkipsWatchedSession(t *testing.T) {
	svc, clock := newClockedService(&fakeTransport{}, nil)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx)
	require.NoError(t, err)
	conv, err := svc.Conversation(ctx, session.ID)
	require.NoError(t, err)
	_, _, cancel := conv.Store().Watch(4)

	clock.Advance(time.Hour)
	assert.Zero(t, svc.Sweep(30*time.Minute))

	cancel()
	assert.Equal(t, 1, svc.Sweep(30*time.Minute))
}

func TestRunJanitorExpiresSessions(t *testing.T) {
	svc := NewService(&fakeTransport{}, ConversationConfig{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := svc.CreateSession(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.RunJanitor(ctx, 20*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		svc.mu.RLock()
		defer svc.mu.RUnlock()
		return len(svc.sessions) == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
