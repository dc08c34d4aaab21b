package session

import (
	"context"
	"sync"
	"time"

	"github.com/botforge/botforge-go/internal/logger"
	"github.com/botforge/botforge-go/internal/notify"

	"github.com/sashabaranov/go-openai"

	"github.com/qmuntal/stateless"
)

// FSM States
type FSMState stateless.State

var (
	StateIdle      FSMState = "Idle"
	StateInFlight  FSMState = "InFlight"
	StateCompleted FSMState = "Completed"
	StateCancelled FSMState = "Cancelled"
	StateFailed    FSMState = "Failed"
)

// FSM Triggers
type FSMTrigger stateless.Trigger

var (
	TriggerSend      FSMTrigger = "Send"
	TriggerSucceeded FSMTrigger = "Succeeded"
	TriggerFailed    FSMTrigger = "Failed"
	TriggerCancel    FSMTrigger = "Cancel"
	TriggerReset     FSMTrigger = "Reset"
)

// CompletionService is the external component that resolves an ordered
// message list into one bot message. Implemented by internal/llm, mocked in
// tests.
type CompletionService interface {
	GetChatCompletion(ctx context.Context, messages []openai.ChatCompletionMessage) (Message, error)
}

// Controller drives the request lifecycle of one session:
// Idle -> InFlight -> {Completed, Cancelled, Failed} -> Idle. The terminal
// states collapse back to Idle within the same dispatch, so callers only
// ever observe Idle or InFlight.
//
// The controller is the single writer of its session while a request is in
// flight; the request goroutine hands its result back through the
// controller's mutex before the session is touched. A late result from a
// cancelled request is recognized by its stale generation token and
// discarded.
type Controller struct {
	mu sync.Mutex

	session     *Session
	completions CompletionService
	notifier    notify.Notifier

	fsm        *stateless.StateMachine
	generation uint64
	cancelCall context.CancelFunc
	settled    chan struct{}
	startedAt  time.Time

	onComplete     func(Message)
	onFailure      func(SendErrorKind, error)
	settingsAction func()
}

// ControllerOption customizes a Controller at construction.
type ControllerOption func(*Controller)

// WithOnComplete registers the completion signal (haptic feedback, focus
// move) fired after a successful result is appended.
func WithOnComplete(fn func(Message)) ControllerOption {
	return func(c *Controller) { c.onComplete = fn }
}

// WithOnFailure registers a hook fired after a failed send has been
// classified and surfaced.
func WithOnFailure(fn func(SendErrorKind, error)) ControllerOption {
	return func(c *Controller) { c.onFailure = fn }
}

// WithSettingsAction registers the navigation callback attached to
// error notifications that point the user at settings.
func WithSettingsAction(fn func()) ControllerOption {
	return func(c *Controller) { c.settingsAction = fn }
}

// NewController creates an idle controller bound to one session.
func NewController(s *Session, completions CompletionService, notifier notify.Notifier, opts ...ControllerOption) *Controller {
	c := &Controller{
		session:        s,
		completions:    completions,
		notifier:       notifier,
		settingsAction: func() {},
	}
	for _, opt := range opts {
		opt(c)
	}

	fsm := stateless.NewStateMachine(StateIdle)
	fsm.Configure(StateIdle).
		Permit(TriggerSend, StateInFlight)
	fsm.Configure(StateInFlight).
		Permit(TriggerSucceeded, StateCompleted).
		Permit(TriggerFailed, StateFailed).
		Permit(TriggerCancel, StateCancelled)
	// Terminal states are transient: they exist so transitions stay
	// explicit, and immediately fold back to Idle.
	for _, terminal := range []FSMState{StateCompleted, StateCancelled, StateFailed} {
		fsm.Configure(terminal).
			OnEntry(func(ctx context.Context, args ...any) error {
				return fsm.Fire(TriggerReset)
			}).
			Permit(TriggerReset, StateIdle)
	}
	c.fsm = fsm

	return c
}

// WithSession runs fn against the controller's session under the
// controller mutex, serializing fn with the result application of an
// in-flight request. Any surface that shares a session with a controller
// must access it through here. fn must not call back into the controller.
func (c *Controller) WithSession(fn func(*Session)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.session)
}

// State returns the externally visible lifecycle state (Idle or InFlight).
func (c *Controller) State() FSMState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fsm.MustState().(FSMState)
}

// Busy reports whether a request is in flight.
func (c *Controller) Busy() bool {
	return c.State() == StateInFlight
}

// StartedAt returns when the current or last request was started. Display
// bookkeeping only; transitions never consult it.
func (c *Controller) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedAt
}

// Elapsed returns how long the current or last request has been running.
func (c *Controller) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startedAt.IsZero() {
		return 0
	}
	return time.Since(c.startedAt)
}

// Send builds a completion request from the current session state and
// issues it asynchronously. Valid only while idle; a second Send while a
// request is in flight returns ErrRequestInFlight. A failed or cancelled
// send is not retried automatically; calling Send again re-sends the full
// current session state.
func (c *Controller) Send(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fsm.MustState() != StateIdle {
		return ErrRequestInFlight
	}

	request := BuildRequest(c.session)

	c.generation++
	gen := c.generation

	callCtx, cancel := context.WithCancel(ctx)
	c.cancelCall = cancel
	c.settled = make(chan struct{})
	c.startedAt = time.Now()

	if err := c.fsm.Fire(TriggerSend); err != nil {
		cancel()
		c.cancelCall = nil
		return err
	}

	go c.run(callCtx, gen, c.settled, request)
	return nil
}

func (c *Controller) run(ctx context.Context, gen uint64, settled chan struct{}, request []openai.ChatCompletionMessage) {
	defer close(settled)

	msg, err := c.completions.GetChatCompletion(ctx, request)
	if err != nil {
		c.finishFailure(gen, err)
		return
	}
	c.finishSuccess(gen, msg)
}

// Cancel aborts the in-flight request. The controller returns to Idle
// immediately; the network call observes context cancellation on its own
// time, and whatever it eventually resolves to is discarded.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	if c.fsm.MustState() != StateInFlight {
		c.mu.Unlock()
		return ErrNoRequestInFlight
	}

	c.cancelCall()
	c.cancelCall = nil
	c.generation++ // stale-mark the outstanding call

	err := c.fsm.Fire(TriggerCancel)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.notifier.ShowMessage("Request cancelled.")
	return nil
}

// Hooks and notifier calls happen outside the mutex so they may call back
// into the controller.
func (c *Controller) finishSuccess(gen uint64, msg Message) {
	c.mu.Lock()
	if gen != c.generation || c.fsm.MustState() != StateInFlight {
		c.mu.Unlock()
		logger.L.Debug("discarding late completion result", "generation", gen)
		return
	}
	c.cancelCall = nil

	c.session.AppendResult(msg)
	if err := c.fsm.Fire(TriggerSucceeded); err != nil {
		logger.L.Warn("lifecycle fire error", "error", err)
	}
	onComplete := c.onComplete
	c.mu.Unlock()

	if onComplete != nil {
		onComplete(msg)
	}
}

func (c *Controller) finishFailure(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation || c.fsm.MustState() != StateInFlight {
		c.mu.Unlock()
		logger.L.Debug("discarding late completion failure", "generation", gen, "error", err)
		return
	}
	c.cancelCall = nil

	if fireErr := c.fsm.Fire(TriggerFailed); fireErr != nil {
		logger.L.Warn("lifecycle fire error", "error", fireErr)
	}
	onFailure := c.onFailure
	settingsAction := c.settingsAction
	c.mu.Unlock()

	kind := ClassifySendError(err)
	logger.L.Error("completion request failed", "kind", kind.String(), "error", err)
	switch kind {
	case SendErrorInvalidCredential:
		c.notifier.ShowMessageWithAction("Your API key was rejected.", "Settings", settingsAction)
	case SendErrorCancelled:
		c.notifier.ShowMessage("Request cancelled.")
	default:
		c.notifier.ShowMessageWithAction("Something went wrong. Check your connection and try again.", "Settings", settingsAction)
	}

	if onFailure != nil {
		onFailure(kind, err)
	}
}
