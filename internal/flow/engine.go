package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ChatFlow/internal/models"
	"github.com/BTreeMap/ChatFlow/internal/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Engine defaults
const (
	// DefaultSessionTTL is how long an idle session survives in the store.
	DefaultSessionTTL = 24 * time.Hour
	// DefaultMaxChain caps the number of steps executed in one turn.
	DefaultMaxChain = 32
	// DefaultTurnTimeout bounds a whole turn, handler calls and store round trips included.
	DefaultTurnTimeout = 30 * time.Second

	tracerName = "github.com/BTreeMap/ChatFlow/internal/flow"
)

// Messages holds the user-facing texts the engine emits on its own.
type Messages struct {
	SessionNotFound string
	StepNotFound    string
	ChainTooLong    string
	MissingData     string
}

// DefaultMessages returns the built-in engine texts.
func DefaultMessages() Messages {
	return Messages{
		SessionNotFound: "Sessão não encontrada. Inicie um novo atendimento.",
		StepNotFound:    "Erro: Step não encontrado",
		ChainTooLong:    "Erro: o atendimento excedeu o limite de etapas. Inicie um novo atendimento.",
		MissingData:     "Erro: dados do atendimento incompletos. Inicie um novo atendimento.",
	}
}

// Opts holds configuration options for the Engine.
type Opts struct {
	SessionTTL     time.Duration
	MaxChain       int
	TurnTimeout    time.Duration
	Locker         Locker
	Observer       Observer
	NewID          func() string
	Now            func() time.Time
	Messages       *Messages
	TracerProvider trace.TracerProvider
}

// Option defines a configuration option for the Engine.
type Option func(*Opts)

// WithSessionTTL sets the store TTL applied on every write.
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *Opts) {
		o.SessionTTL = ttl
	}
}

// WithMaxChain sets the maximum number of steps executed per turn.
func WithMaxChain(n int) Option {
	return func(o *Opts) {
		o.MaxChain = n
	}
}

// WithTurnTimeout sets the per-turn deadline. Zero disables it.
func WithTurnTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.TurnTimeout = d
	}
}

// WithLocker sets the per-session lock implementation.
func WithLocker(l Locker) Option {
	return func(o *Opts) {
		o.Locker = l
	}
}

// WithObserver sets the observer notified when sessions end.
func WithObserver(obs Observer) Option {
	return func(o *Opts) {
		o.Observer = obs
	}
}

// WithIDGenerator sets the generator used for sessions started without an id.
func WithIDGenerator(fn func() string) Option {
	return func(o *Opts) {
		o.NewID = fn
	}
}

// WithClock sets the time source used for history timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// WithMessages overrides the engine texts.
func WithMessages(m Messages) Option {
	return func(o *Opts) {
		o.Messages = &m
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider. The global provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Opts) {
		o.TracerProvider = tp
	}
}

// Engine runs sessions through registered flows.
type Engine struct {
	registry    *Registry
	store       store.SessionStore
	locker      Locker
	observer    Observer
	ttl         time.Duration
	maxChain    int
	turnTimeout time.Duration
	newID       func() string
	now         func() time.Time
	messages    Messages
	tracer      trace.Tracer
}

// NewEngine creates an Engine over the given registry and session store.
func NewEngine(registry *Registry, st store.SessionStore, opts ...Option) *Engine {
	cfg := Opts{
		SessionTTL:  DefaultSessionTTL,
		MaxChain:    DefaultMaxChain,
		TurnTimeout: DefaultTurnTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Locker == nil {
		cfg.Locker = NewKeyedMutex()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxChain <= 0 {
		cfg.MaxChain = DefaultMaxChain
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	messages := DefaultMessages()
	if cfg.Messages != nil {
		messages = *cfg.Messages
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	slog.Debug("NewEngine created", "ttl", cfg.SessionTTL, "max_chain", cfg.MaxChain, "turn_timeout", cfg.TurnTimeout, "observer", cfg.Observer != nil)
	return &Engine{
		registry:    registry,
		store:       st,
		locker:      cfg.Locker,
		observer:    cfg.Observer,
		ttl:         cfg.SessionTTL,
		maxChain:    cfg.MaxChain,
		turnTimeout: cfg.TurnTimeout,
		newID:       cfg.NewID,
		now:         cfg.Now,
		messages:    messages,
		tracer:      tp.Tracer(tracerName),
	}
}

// Flows returns the names of the registered flows.
func (e *Engine) Flows() []string {
	return e.registry.Names()
}

// Lookup returns a registered flow.
func (e *Engine) Lookup(name string) (*Flow, bool) {
	return e.registry.Lookup(name)
}

// Start creates a session for flowName and runs it until it awaits input or terminates.
//
// An empty sessionID gets a generated one. A session already stored under sessionID is
// replaced. ErrFlowNotFound is returned, and nothing is written, for unknown flows.
func (e *Engine) Start(ctx context.Context, sessionID, flowName string, initial map[string]any) (*models.TurnResult, error) {
	slog.Debug("Engine.Start: starting flow", "flow", flowName, "session_id", sessionID)
	f, ok := e.registry.Lookup(flowName)
	if !ok {
		slog.Warn("Engine.Start: flow not registered", "flow", flowName)
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, flowName)
	}
	if sessionID == "" {
		sessionID = e.newID()
	}

	ctx, cancel := e.turnContext(ctx)
	defer cancel()
	ctx, span := e.tracer.Start(ctx, "flow.turn", trace.WithAttributes(
		attribute.String("chatflow.flow", f.Name),
		attribute.String("chatflow.session_id", sessionID),
		attribute.String("chatflow.operation", "start"),
	))
	defer span.End()

	unlock, err := e.locker.Lock(ctx, sessionID)
	if err != nil {
		return nil, e.fail(span, "Engine.Start: failed to lock session", sessionID, err)
	}
	defer unlock()

	now := e.now()
	data := make(map[string]any, len(initial)+1)
	for k, v := range initial {
		data[k] = v
	}
	data[KeySessionID] = sessionID
	sess := &models.Session{
		ID:          sessionID,
		FlowName:    f.Name,
		CurrentStep: f.InitialStep,
		Data:        data,
		History:     []models.HistoryEntry{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.Put(ctx, sess, e.ttl); err != nil {
		return nil, e.fail(span, "Engine.Start: failed to persist new session", sessionID, fmt.Errorf("failed to save session %s: %w", sessionID, err))
	}

	res, err := e.run(ctx, f, sess, Input{})
	if err != nil {
		e.record(span, err)
	}
	return res, err
}

// Continue delivers a user message to an existing session.
//
// A missing or expired session yields a finalized result with NotFound set and a nil error.
// When a turn fails structurally (unknown step, missing data, too many chained steps) the
// session is deleted and both a finalized result and an error are returned.
// Handler errors abort the turn without persisting it and return only the error.
func (e *Engine) Continue(ctx context.Context, sessionID, text string) (*models.TurnResult, error) {
	slog.Debug("Engine.Continue: processing message", "session_id", sessionID, "message_length", len(text))
	ctx, cancel := e.turnContext(ctx)
	defer cancel()
	ctx, span := e.tracer.Start(ctx, "flow.turn", trace.WithAttributes(
		attribute.String("chatflow.session_id", sessionID),
		attribute.String("chatflow.operation", "continue"),
	))
	defer span.End()

	unlock, err := e.locker.Lock(ctx, sessionID)
	if err != nil {
		return nil, e.fail(span, "Engine.Continue: failed to lock session", sessionID, err)
	}
	defer unlock()

	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, e.fail(span, "Engine.Continue: failed to load session", sessionID, fmt.Errorf("failed to load session %s: %w", sessionID, err))
	}
	if sess == nil {
		slog.Debug("Engine.Continue: session not found", "session_id", sessionID)
		return &models.TurnResult{
			SessionID: sessionID,
			Messages:  []models.Message{{Kind: models.MessageKindText, Content: e.messages.SessionNotFound}},
			Finalized: true,
			NotFound:  true,
		}, nil
	}
	span.SetAttributes(attribute.String("chatflow.flow", sess.FlowName))

	if sess.Data == nil {
		sess.Data = make(map[string]any)
	}
	sess.Data[KeyLastMessage] = text
	sess.History = append(sess.History, models.HistoryEntry{Role: models.RoleUser, Message: text, Time: e.now()})

	f, ok := e.registry.Lookup(sess.FlowName)
	if !ok {
		slog.Error("Engine.Continue: session references unregistered flow", "session_id", sessionID, "flow", sess.FlowName)
		res := &models.TurnResult{SessionID: sessionID, Messages: []models.Message{}}
		err := fmt.Errorf("%w: flow %s is no longer registered", ErrStepNotFound, sess.FlowName)
		e.record(span, err)
		return e.abort(ctx, sess, res, ReasonStepNotFound, e.messages.StepNotFound), err
	}

	res, err := e.run(ctx, f, sess, UserInput(text))
	if err != nil {
		e.record(span, err)
	}
	return res, err
}

// Inspect returns a snapshot of a session, or ErrSessionNotFound.
func (e *Engine) Inspect(ctx context.Context, sessionID string) (*models.SessionSnapshot, error) {
	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		slog.Error("Engine.Inspect: failed to load session", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess.Snapshot(), nil
}

// Reset deletes a session and reports whether it existed.
func (e *Engine) Reset(ctx context.Context, sessionID string) (bool, error) {
	slog.Debug("Engine.Reset: resetting session", "session_id", sessionID)
	ctx, cancel := e.turnContext(ctx)
	defer cancel()

	unlock, err := e.locker.Lock(ctx, sessionID)
	if err != nil {
		slog.Error("Engine.Reset: failed to lock session", "error", err, "session_id", sessionID)
		return false, err
	}
	defer unlock()

	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		slog.Error("Engine.Reset: failed to load session", "error", err, "session_id", sessionID)
		return false, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	existed, err := e.store.Delete(ctx, sessionID)
	if err != nil {
		slog.Error("Engine.Reset: failed to delete session", "error", err, "session_id", sessionID)
		return false, fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	if sess != nil {
		e.notify(ctx, sess, ReasonReset)
	}
	slog.Debug("Engine.Reset: done", "session_id", sessionID, "existed", existed)
	return existed, nil
}

// run is the step loop. It persists after every executed step and stops when a step awaits
// input, has nowhere to go, or terminates.
func (e *Engine) run(ctx context.Context, f *Flow, sess *models.Session, in Input) (*models.TurnResult, error) {
	result := &models.TurnResult{SessionID: sess.ID, Messages: []models.Message{}}

	for executed := 0; ; executed++ {
		if executed >= e.maxChain {
			slog.Error("Engine.run: step chain limit reached", "session_id", sess.ID, "flow", f.Name, "step", sess.CurrentStep, "limit", e.maxChain)
			err := fmt.Errorf("%w: flow %s exceeded %d steps at %s", ErrStepChainTooLong, f.Name, e.maxChain, sess.CurrentStep)
			return e.abort(ctx, sess, result, ReasonChainTooLong, e.messages.ChainTooLong), err
		}

		stepName := sess.CurrentStep
		step, ok := f.Steps[stepName]
		if !ok || step.Run == nil {
			slog.Error("Engine.run: step not found", "session_id", sess.ID, "flow", f.Name, "step", stepName)
			err := fmt.Errorf("%w: %s/%s", ErrStepNotFound, f.Name, stepName)
			return e.abort(ctx, sess, result, ReasonStepNotFound, e.messages.StepNotFound), err
		}

		data := Data(sess.Data)
		if err := data.Require(step.Requires...); err != nil {
			slog.Error("Engine.run: step requirements not met", "error", err, "session_id", sess.ID, "flow", f.Name, "step", stepName)
			return e.abort(ctx, sess, result, ReasonMissingData, e.messages.MissingData), fmt.Errorf("step %s/%s: %w", f.Name, stepName, err)
		}

		res, err := e.invoke(ctx, f.Name, stepName, step, data, in)
		if err != nil {
			slog.Error("Engine.run: step failed, turn aborted", "error", err, "session_id", sess.ID, "flow", f.Name, "step", stepName)
			return nil, fmt.Errorf("step %s/%s: %w", f.Name, stepName, err)
		}
		in = Input{}

		if res.Message != "" {
			sess.History = append(sess.History, models.HistoryEntry{Role: models.RoleBot, Message: res.Message, Kind: res.Kind, Time: e.now()})
			result.Messages = append(result.Messages, models.Message{Kind: res.Kind, Content: res.Message})
		}

		if res.Terminate {
			if _, err := e.store.Delete(ctx, sess.ID); err != nil {
				slog.Error("Engine.run: failed to delete terminated session", "error", err, "session_id", sess.ID)
				return nil, fmt.Errorf("failed to delete session %s: %w", sess.ID, err)
			}
			e.notify(ctx, sess, ReasonCompleted)
			result.Finalized = true
			result.Extra = res.Extra
			slog.Debug("Engine.run: session terminated", "session_id", sess.ID, "flow", f.Name, "step", stepName, "messages", len(result.Messages))
			return result, nil
		}

		if res.Next != "" {
			sess.CurrentStep = res.Next
		}
		sess.UpdatedAt = e.now()
		if err := e.store.Put(ctx, sess, e.ttl); err != nil {
			slog.Error("Engine.run: failed to persist session", "error", err, "session_id", sess.ID, "step", sess.CurrentStep)
			return nil, fmt.Errorf("failed to save session %s: %w", sess.ID, err)
		}

		if res.AwaitInput || res.Next == "" {
			result.AwaitingInput = res.AwaitInput
			slog.Debug("Engine.run: turn complete", "session_id", sess.ID, "flow", f.Name, "step", sess.CurrentStep, "messages", len(result.Messages), "awaiting_input", res.AwaitInput)
			return result, nil
		}
	}
}

// invoke runs one handler under the turn context. A handler that ignores ctx is abandoned
// when the deadline passes; its late result is discarded.
func (e *Engine) invoke(ctx context.Context, flowName, stepName string, step Step, data Data, in Input) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "flow.step", trace.WithAttributes(
		attribute.String("chatflow.flow", flowName),
		attribute.String("chatflow.step", stepName),
		attribute.Bool("chatflow.input_present", in.Present),
	))
	defer span.End()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("step panicked: %v", r)}
			}
		}()
		res, err := step.Run(ctx, data, in)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			e.record(span, o.err)
		}
		return o.res, o.err
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrTurnTimeout, err)
		}
		e.record(span, err)
		return Result{}, err
	}
}

// abort ends a session that cannot continue: the error text is emitted, the session deleted.
func (e *Engine) abort(ctx context.Context, sess *models.Session, result *models.TurnResult, reason Reason, text string) *models.TurnResult {
	sess.History = append(sess.History, models.HistoryEntry{Role: models.RoleBot, Message: text, Kind: models.MessageKindText, Time: e.now()})
	result.Messages = append(result.Messages, models.Message{Kind: models.MessageKindText, Content: text})
	result.Finalized = true
	result.AwaitingInput = false
	if _, err := e.store.Delete(ctx, sess.ID); err != nil {
		slog.Error("Engine.abort: failed to delete session", "error", err, "session_id", sess.ID, "reason", reason)
	}
	e.notify(ctx, sess, reason)
	return result
}

func (e *Engine) notify(ctx context.Context, sess *models.Session, reason Reason) {
	if e.observer == nil {
		return
	}
	if err := e.observer.SessionFinished(context.WithoutCancel(ctx), sess.Snapshot(), reason); err != nil {
		slog.Error("Engine.notify: observer failed", "error", err, "session_id", sess.ID, "reason", reason)
	}
}

func (e *Engine) turnContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.turnTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.turnTimeout)
}

func (e *Engine) fail(span trace.Span, msg, sessionID string, err error) error {
	slog.Error(msg, "error", err, "session_id", sessionID)
	e.record(span, err)
	return err
}

func (e *Engine) record(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
