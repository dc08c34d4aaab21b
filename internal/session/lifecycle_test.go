package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"
)

type mockCompletion struct {
	mu      sync.Mutex
	reply   Message
	err     error
	release chan struct{} // when non-nil, the call blocks until closed
	calls   int
}

func (m *mockCompletion) GetChatCompletion(ctx context.Context, messages []openai.ChatCompletionMessage) (Message, error) {
	m.mu.Lock()
	m.calls++
	release := m.release
	reply, err := m.reply, m.err
	m.mu.Unlock()

	if release != nil {
		<-release
	}
	if err != nil {
		return Message{}, err
	}
	return reply, nil
}

type mockNotifier struct {
	mu       sync.Mutex
	messages []string
	actions  []string
}

func (n *mockNotifier) ShowMessage(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
}

func (n *mockNotifier) ShowMessageWithAction(text, actionLabel string, action func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
	n.actions = append(n.actions, actionLabel)
}

func (n *mockNotifier) shown() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

func TestSendSuccessAppendsBotMessage(t *testing.T) {
	s := New()
	s.FillDraft("hi")
	reply := NewBotMessage("hello", &ResponseMetadata{TotalTokens: 7})
	completed := make(chan Message, 1)

	ctl := NewController(s, &mockCompletion{reply: reply}, &mockNotifier{},
		WithOnComplete(func(m Message) { completed <- m }))
	require.NoError(t, ctl.Send(context.Background()))

	select {
	case got := <-completed:
		require.Equal(t, reply.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("completion signal never fired")
	}

	require.Equal(t, StateIdle, ctl.State())
	msgs := s.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, RoleBot, msgs[1].Role)
	require.Equal(t, "hello", msgs[1].Text)
	require.NotNil(t, msgs[1].Metadata)
}

func TestSendRejectedWhileInFlight(t *testing.T) {
	s := New()
	s.FillDraft("hi")
	release := make(chan struct{})
	ctl := NewController(s, &mockCompletion{reply: NewBotMessage("hello", nil), release: release}, &mockNotifier{})

	require.NoError(t, ctl.Send(context.Background()))
	require.True(t, ctl.Busy())
	require.ErrorIs(t, ctl.Send(context.Background()), ErrRequestInFlight)

	settled := ctl.settled
	close(release)
	<-settled
	require.Equal(t, StateIdle, ctl.State())
}

func TestSendFailureLeavesSessionIntact(t *testing.T) {
	s := New()
	s.FillDraft("hi")
	before := s.Messages()
	notifier := &mockNotifier{}
	failures := make(chan SendErrorKind, 1)

	ctl := NewController(s, &mockCompletion{err: errors.New("boom")}, notifier,
		WithOnFailure(func(kind SendErrorKind, err error) { failures <- kind }))
	require.NoError(t, ctl.Send(context.Background()))

	select {
	case kind := <-failures:
		require.Equal(t, SendErrorGeneric, kind)
	case <-time.After(2 * time.Second):
		t.Fatal("failure hook never fired")
	}

	require.Equal(t, StateIdle, ctl.State())
	require.Equal(t, before, s.Messages())
	require.NotEmpty(t, notifier.shown())
}

func TestSendFailureInvalidCredential(t *testing.T) {
	s := New()
	s.FillDraft("hi")
	notifier := &mockNotifier{}
	failures := make(chan SendErrorKind, 1)
	apiErr := &openai.APIError{HTTPStatusCode: http.StatusUnauthorized, Message: "bad key"}

	ctl := NewController(s, &mockCompletion{err: fmt.Errorf("chat completion: %w", apiErr)}, notifier,
		WithOnFailure(func(kind SendErrorKind, err error) { failures <- kind }))
	require.NoError(t, ctl.Send(context.Background()))

	select {
	case kind := <-failures:
		require.Equal(t, SendErrorInvalidCredential, kind)
	case <-time.After(2 * time.Second):
		t.Fatal("failure hook never fired")
	}
	require.Equal(t, 1, s.Len())
}

// TestCancelDiscardsLateResult: a result resolving after Cancel must not
// touch the session or re-enter the in-flight state.
func TestCancelDiscardsLateResult(t *testing.T) {
	s := New()
	s.FillDraft("hi")
	release := make(chan struct{})
	notifier := &mockNotifier{}
	completed := make(chan Message, 1)

	ctl := NewController(s, &mockCompletion{reply: NewBotMessage("late", nil), release: release}, notifier,
		WithOnComplete(func(m Message) { completed <- m }))
	require.NoError(t, ctl.Send(context.Background()))
	settled := ctl.settled
	countBefore := s.Len()

	require.NoError(t, ctl.Cancel())
	require.Equal(t, StateIdle, ctl.State())
	require.Contains(t, notifier.shown(), "Request cancelled.")

	// Let the underlying call resolve successfully, after cancellation.
	close(release)
	<-settled

	require.Equal(t, countBefore, s.Len())
	require.Equal(t, StateIdle, ctl.State())
	select {
	case <-completed:
		t.Fatal("completion signal fired for a cancelled request")
	default:
	}

	// The session is still sendable afterwards.
	ctl2 := NewController(s, &mockCompletion{reply: NewBotMessage("fresh", nil)}, notifier)
	require.NoError(t, ctl2.Send(context.Background()))
	<-ctl2.settled
	require.Equal(t, countBefore+1, s.Len())
}

// TestCancelDiscardsLateFailure: the cancelled call usually unwinds with
// context.Canceled; no second notification is produced for it.
func TestCancelDiscardsLateFailure(t *testing.T) {
	s := New()
	s.FillDraft("hi")
	release := make(chan struct{})
	notifier := &mockNotifier{}

	ctl := NewController(s, &mockCompletion{err: context.Canceled, release: release}, notifier)
	require.NoError(t, ctl.Send(context.Background()))
	settled := ctl.settled

	require.NoError(t, ctl.Cancel())
	close(release)
	<-settled

	require.Equal(t, []string{"Request cancelled."}, notifier.shown())
	require.Equal(t, 1, s.Len())
}

func TestCancelOnlyFromInFlight(t *testing.T) {
	ctl := NewController(New(), &mockCompletion{}, &mockNotifier{})
	require.ErrorIs(t, ctl.Cancel(), ErrNoRequestInFlight)
}

func TestElapsedBookkeeping(t *testing.T) {
	s := New()
	s.FillDraft("hi")
	release := make(chan struct{})
	ctl := NewController(s, &mockCompletion{reply: NewBotMessage("hello", nil), release: release}, &mockNotifier{})

	require.True(t, ctl.StartedAt().IsZero())
	require.Zero(t, ctl.Elapsed())

	require.NoError(t, ctl.Send(context.Background()))
	settled := ctl.settled
	require.False(t, ctl.StartedAt().IsZero())
	require.GreaterOrEqual(t, ctl.Elapsed(), time.Duration(0))

	close(release)
	<-settled
}

// TestWithSessionSerializesWithResultApply: snapshot reads taken through
// WithSession while sends complete must be serialized with the result
// append the completion goroutine performs.
func TestWithSessionSerializesWithResultApply(t *testing.T) {
	s := New()
	s.BindPersona("You are terse.", "p1")
	completed := make(chan Message, 1)

	ctl := NewController(s, &mockCompletion{reply: NewBotMessage("hello", nil)}, &mockNotifier{},
		WithOnComplete(func(m Message) { completed <- m }))

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			ctl.WithSession(func(sess *Session) {
				snapshot := sess.PersistedMessages()
				if len(snapshot) > 0 && snapshot[0].Role != RoleSystem {
					t.Error("snapshot lost the system head")
				}
			})
		}
	}()

	for i := 0; i < 50; i++ {
		ctl.WithSession(func(sess *Session) { sess.FillDraft("hi") })
		require.NoError(t, ctl.Send(context.Background()))
		select {
		case <-completed:
		case <-time.After(2 * time.Second):
			t.Fatal("completion never arrived")
		}
		ctl.WithSession(func(sess *Session) { sess.AppendDraft() })
	}

	close(stop)
	<-done
}

func TestClassifySendError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want SendErrorKind
	}{
		{"cancelled", context.Canceled, SendErrorCancelled},
		{"wrapped cancelled", fmt.Errorf("chat completion: %w", context.Canceled), SendErrorCancelled},
		{"api 401", &openai.APIError{HTTPStatusCode: http.StatusUnauthorized}, SendErrorInvalidCredential},
		{"request 401", &openai.RequestError{HTTPStatusCode: http.StatusUnauthorized, Err: errors.New("unauthorized")}, SendErrorInvalidCredential},
		{"api 429", &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}, SendErrorGeneric},
		{"plain", errors.New("connection refused"), SendErrorGeneric},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ClassifySendError(tc.err))
		})
	}
}
