package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/ChatFlow/internal/models"
	"github.com/BTreeMap/ChatFlow/internal/store"
)

// DefaultFailureMessage is sent when a turn fails without producing a reply.
const DefaultFailureMessage = "Desculpe, não consegui processar sua mensagem agora. Tente novamente em instantes."

// Engine is the part of *flow.Engine the dispatcher drives.
type Engine interface {
	Start(ctx context.Context, sessionID, flowName string, initial map[string]any) (*models.TurnResult, error)
	Continue(ctx context.Context, sessionID, text string) (*models.TurnResult, error)
}

// DispatcherOpts holds configuration options for the Dispatcher.
type DispatcherOpts struct {
	DefaultFlow     string
	DefaultContract string
	Dedup           store.DedupRepo
	FailureMessage  string
}

// DispatcherOption defines a configuration option for the Dispatcher.
type DispatcherOption func(*DispatcherOpts)

// WithDefaultFlow sets the flow started for users without an active session.
func WithDefaultFlow(name string) DispatcherOption {
	return func(o *DispatcherOpts) {
		o.DefaultFlow = name
	}
}

// WithDefaultContract sets the contract put in the context of new sessions.
func WithDefaultContract(contract string) DispatcherOption {
	return func(o *DispatcherOpts) {
		o.DefaultContract = contract
	}
}

// WithDedup drops provider redeliveries of the same message id.
func WithDedup(repo store.DedupRepo) DispatcherOption {
	return func(o *DispatcherOpts) {
		o.Dedup = repo
	}
}

// WithFailureMessage overrides DefaultFailureMessage.
func WithFailureMessage(msg string) DispatcherOption {
	return func(o *DispatcherOpts) {
		o.FailureMessage = msg
	}
}

// Dispatcher routes inbound channel messages to the engine and sends the replies back.
type Dispatcher struct {
	engine Engine
	cfg    DispatcherOpts
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(engine Engine, opts ...DispatcherOption) *Dispatcher {
	cfg := DispatcherOpts{FailureMessage: DefaultFailureMessage}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Dispatcher{engine: engine, cfg: cfg}
}

// SessionID is the session a channel user talks in.
func SessionID(channel, from string) string {
	return channel + ":" + from
}

// Run handles svc's inbound messages until ctx ends or the channel is closed.
// Each session gets its own lane: turns of one user run in arrival order while
// different users are served concurrently. Run returns after in-flight turns finish.
func (d *Dispatcher) Run(ctx context.Context, svc Service) {
	slog.Info("Dispatcher.Run: consuming inbound messages", "channel", svc.Name(), "default_flow", d.cfg.DefaultFlow)
	l := newLanes(func(msg models.InboundMessage) { d.Handle(ctx, svc, msg) })
	defer l.wait()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Dispatcher.Run: context done", "channel", svc.Name())
			return
		case msg, ok := <-svc.Inbound():
			if !ok {
				slog.Debug("Dispatcher.Run: inbound channel closed", "channel", svc.Name())
				return
			}
			channel := msg.Channel
			if channel == "" {
				channel = svc.Name()
			}
			l.push(SessionID(channel, msg.From), msg)
		}
	}
}

// lanes queues messages per session key, with at most one worker per key.
type lanes struct {
	handle  func(models.InboundMessage)
	mu      sync.Mutex
	pending map[string][]models.InboundMessage
	wg      sync.WaitGroup
}

func newLanes(handle func(models.InboundMessage)) *lanes {
	return &lanes{handle: handle, pending: make(map[string][]models.InboundMessage)}
}

// push enqueues msg under key, starting a worker when the key is idle.
// A key stays in pending while its worker runs.
func (l *lanes) push(key string, msg models.InboundMessage) {
	l.mu.Lock()
	queue, busy := l.pending[key]
	l.pending[key] = append(queue, msg)
	l.mu.Unlock()
	if busy {
		return
	}
	l.wg.Add(1)
	go l.drain(key)
}

func (l *lanes) drain(key string) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		queue := l.pending[key]
		if len(queue) == 0 {
			delete(l.pending, key)
			l.mu.Unlock()
			return
		}
		next := queue[0]
		l.pending[key] = queue[1:]
		l.mu.Unlock()
		l.handle(next)
	}
}

func (l *lanes) wait() {
	l.wg.Wait()
}

// Handle processes one inbound message. Failures are logged and, when the user would
// otherwise get no answer, reported with the failure message.
func (d *Dispatcher) Handle(ctx context.Context, svc Service, msg models.InboundMessage) {
	if msg.Channel == "" {
		msg.Channel = svc.Name()
	}
	if msg.MessageID != "" && d.cfg.Dedup != nil {
		isNew, err := d.cfg.Dedup.RecordInbound(ctx, msg.MessageID, msg.From)
		if err != nil {
			slog.Error("Dispatcher.Handle: dedup check failed, processing anyway", "error", err, "message_id", msg.MessageID)
		} else if !isNew {
			slog.Debug("Dispatcher.Handle: duplicate message dropped", "message_id", msg.MessageID, "from", msg.From)
			return
		}
	}

	sessionID := SessionID(msg.Channel, msg.From)
	res, err := d.engine.Continue(ctx, sessionID, msg.Body)
	if err == nil && res != nil && res.NotFound {
		if d.cfg.DefaultFlow == "" {
			slog.Warn("Dispatcher.Handle: no session and no default flow", "session_id", sessionID)
			return
		}
		initial := map[string]any{"whatsapp": msg.From}
		if d.cfg.DefaultContract != "" {
			initial["contract"] = d.cfg.DefaultContract
		}
		slog.Debug("Dispatcher.Handle: starting default flow", "session_id", sessionID, "flow", d.cfg.DefaultFlow)
		res, err = d.engine.Start(ctx, sessionID, d.cfg.DefaultFlow, initial)
	}
	if err != nil {
		slog.Error("Dispatcher.Handle: turn failed", "error", err, "session_id", sessionID)
	}

	if res == nil || len(res.Messages) == 0 {
		if err != nil {
			d.send(ctx, svc, msg.From, d.cfg.FailureMessage)
		}
	} else {
		for _, m := range res.Messages {
			d.send(ctx, svc, msg.From, m.Content)
		}
	}

	if msg.MessageID != "" && d.cfg.Dedup != nil {
		if err := d.cfg.Dedup.MarkProcessed(ctx, msg.MessageID); err != nil {
			slog.Warn("Dispatcher.Handle: failed to mark message processed", "error", err, "message_id", msg.MessageID)
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, svc Service, to, body string) {
	if body == "" {
		return
	}
	if err := svc.SendMessage(ctx, to, body); err != nil {
		slog.Error("Dispatcher.send: delivery failed", "error", err, "channel", svc.Name(), "to", to)
	}
}
