package flow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ChatFlow/internal/models"
	"github.com/BTreeMap/ChatFlow/internal/store"
)

type finishedCall struct {
	sessionID string
	reason    Reason
	history   int
}

// recordingObserver collects SessionFinished calls.
type recordingObserver struct {
	mu    sync.Mutex
	calls []finishedCall
}

func (o *recordingObserver) SessionFinished(ctx context.Context, snap *models.SessionSnapshot, reason Reason) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, finishedCall{sessionID: snap.ID, reason: reason, history: len(snap.History)})
	return nil
}

func (o *recordingObserver) reasons() []Reason {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Reason, 0, len(o.calls))
	for _, c := range o.calls {
		out = append(out, c.reason)
	}
	return out
}

func newTestEngine(t *testing.T, flows []*Flow, opts ...Option) (*Engine, *store.InMemoryStore) {
	t.Helper()
	reg := NewRegistry()
	for _, f := range flows {
		reg.Register(f)
	}
	st := store.NewInMemoryStore()
	return NewEngine(reg, st, opts...), st
}

func messageContents(res *models.TurnResult) []string {
	out := make([]string, 0, len(res.Messages))
	for _, m := range res.Messages {
		out = append(out, m.Content)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var documentPattern = regexp.MustCompile(`^\d{11}$|^\d{14}$`)

// documentFlow waits silently for a document, then looks it up and shows a menu.
func documentFlow() *Flow {
	return &Flow{
		Name:        "cadastro",
		InitialStep: "inicio",
		Steps: map[string]Step{
			"inicio": {Run: func(ctx context.Context, d Data, in Input) (Result, error) {
				return Result{AwaitInput: true, Next: "coletar"}, nil
			}},
			"coletar": {Run: func(ctx context.Context, d Data, in Input) (Result, error) {
				doc := strings.TrimSpace(in.Text)
				if !documentPattern.MatchString(doc) {
					return Result{Message: "Documento inválido", AwaitInput: true}, nil
				}
				d.Set("documento", doc)
				return Result{Next: "consultar"}, nil
			}},
			"consultar": {Requires: []string{"documento"}, Run: func(ctx context.Context, d Data, in Input) (Result, error) {
				d.Set("cliente", "João da Silva")
				return Result{Message: "Consultando " + d.String("documento"), Next: "resultado"}, nil
			}},
			"resultado": {Requires: []string{"cliente"}, Run: func(ctx context.Context, d Data, in Input) (Result, error) {
				return Result{Message: "Cliente encontrado: " + d.String("cliente"), AwaitInput: true, Next: "menu"}, nil
			}},
			"menu": {Run: func(ctx context.Context, d Data, in Input) (Result, error) {
				return Result{Message: "Até logo", Terminate: true}, nil
			}},
		},
	}
}

func TestStartAndChainedContinue(t *testing.T) {
	e, st := newTestEngine(t, []*Flow{documentFlow()})
	ctx := context.Background()

	res, err := e.Start(ctx, "s1", "cadastro", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if len(res.Messages) != 0 || !res.AwaitingInput || res.Finalized {
		t.Fatalf("unexpected start result: %+v", res)
	}

	res, err = e.Continue(ctx, "s1", "12345678901")
	if err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	want := []string{"Consultando 12345678901", "Cliente encontrado: João da Silva"}
	if got := messageContents(res); !equalStrings(got, want) {
		t.Errorf("messages = %q, want %q", got, want)
	}
	if !res.AwaitingInput || res.Finalized {
		t.Errorf("expected awaiting, not finalized: %+v", res)
	}

	sess, _ := st.Get(ctx, "s1")
	if sess == nil {
		t.Fatal("session not persisted")
	}
	if sess.CurrentStep != "menu" {
		t.Errorf("current step = %q, want menu", sess.CurrentStep)
	}
	if sess.Data["documento"] != "12345678901" || sess.Data["cliente"] != "João da Silva" {
		t.Errorf("data not persisted: %+v", sess.Data)
	}
	if sess.Data[KeyLastMessage] != "12345678901" || sess.Data[KeySessionID] != "s1" {
		t.Errorf("reserved keys missing: %+v", sess.Data)
	}
	if len(sess.History) != 3 {
		t.Fatalf("history length = %d, want 3: %+v", len(sess.History), sess.History)
	}
	if sess.History[0].Role != models.RoleUser || sess.History[1].Role != models.RoleBot {
		t.Errorf("unexpected history roles: %+v", sess.History)
	}
}

func TestAwaitWithoutNextStaysOnStep(t *testing.T) {
	e, st := newTestEngine(t, []*Flow{documentFlow()})
	ctx := context.Background()
	e.Start(ctx, "s1", "cadastro", nil)

	res, err := e.Continue(ctx, "s1", "abc")
	if err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	if got := messageContents(res); !equalStrings(got, []string{"Documento inválido"}) {
		t.Errorf("messages = %q", got)
	}
	if res.Finalized || !res.AwaitingInput {
		t.Errorf("unexpected flags: %+v", res)
	}
	sess, _ := st.Get(ctx, "s1")
	if sess.CurrentStep != "coletar" {
		t.Errorf("current step = %q, want coletar", sess.CurrentStep)
	}
}

func TestTerminateClearsSession(t *testing.T) {
	obs := &recordingObserver{}
	f := &Flow{
		Name:        "tchau",
		InitialStep: "fim",
		Steps: map[string]Step{
			"fim": {Run: func(ctx context.Context, d Data, in Input) (Result, error) {
				if !in.Present {
					return Result{Message: "Olá", AwaitInput: true}, nil
				}
				return Result{Message: "bye", Terminate: true, Extra: map[string]any{"open_ticket": true}}, nil
			}},
		},
	}
	e, st := newTestEngine(t, []*Flow{f}, WithObserver(obs))
	ctx := context.Background()

	if _, err := e.Start(ctx, "s1", "tchau", nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	res, err := e.Continue(ctx, "s1", "ok")
	if err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	if !res.Finalized || res.AwaitingInput {
		t.Errorf("expected finalized result: %+v", res)
	}
	if got := messageContents(res); !equalStrings(got, []string{"bye"}) {
		t.Errorf("messages = %q", got)
	}
	if res.Extra["open_ticket"] != true {
		t.Errorf("extra not surfaced: %+v", res.Extra)
	}
	if st.Len() != 0 {
		t.Errorf("store still holds %d sessions", st.Len())
	}

	res, err = e.Continue(ctx, "s1", "de novo")
	if err != nil {
		t.Fatalf("Continue after terminate returned error: %v", err)
	}
	if !res.NotFound || !res.Finalized {
		t.Errorf("expected not-found result, got %+v", res)
	}

	if got := obs.reasons(); len(got) != 1 || got[0] != ReasonCompleted {
		t.Errorf("observer reasons = %v, want [completed]", got)
	}
	if obs.calls[0].history != 3 {
		t.Errorf("snapshot history = %d entries, want 3", obs.calls[0].history)
	}
	if obs.calls[0].sessionID != "s1" {
		t.Errorf("snapshot session id = %q, want s1", obs.calls[0].sessionID)
	}
}

func TestStartUnknownFlow(t *testing.T) {
	e, st := newTestEngine(t, []*Flow{documentFlow()})
	res, err := e.Start(context.Background(), "s1", "inexistente", nil)
	if !errors.Is(err, ErrFlowNotFound) {
		t.Fatalf("err = %v, want ErrFlowNotFound", err)
	}
	if res != nil {
		t.Errorf("unexpected result: %+v", res)
	}
	if st.Len() != 0 {
		t.Error("session created for unknown flow")
	}
}

func TestContinueUnknownSession(t *testing.T) {
	e, _ := newTestEngine(t, []*Flow{documentFlow()})
	res, err := e.Continue(context.Background(), "nobody", "oi")
	if err != nil {
		t.Fatalf("Continue returned error: %v", err)
	}
	if !res.Finalized || !res.NotFound || res.SessionID != "nobody" {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Text() != DefaultMessages().SessionNotFound {
		t.Errorf("text = %q", res.Text())
	}
}

func TestContinueExpiredSession(t *testing.T) {
	e, st := newTestEngine(t, []*Flow{documentFlow()}, WithSessionTTL(time.Millisecond))
	ctx := context.Background()
	e.Start(ctx, "s1", "cadastro", nil)
	time.Sleep(5 * time.Millisecond)
	res, err := e.Continue(ctx, "s1", "12345678901")
	if err != nil || !res.NotFound {
		t.Errorf("Continue on expired session = %+v, %v", res, err)
	}
	if st.Len() != 0 {
		t.Error("expired session should have been dropped on read")
	}
}

func TestReregisteredFlowMissingStep(t *testing.T) {
	obs := &recordingObserver{}
	e, st := newTestEngine(t, []*Flow{documentFlow()}, WithObserver(obs))
	ctx := context.Background()
	e.Start(ctx, "s1", "cadastro", nil)

	// new definition without the step the session is parked on
	e.registry.Register(&Flow{
		Name:        "cadastro",
		InitialStep: "inicio",
		Steps: map[string]Step{
			"inicio": {Run: func(ctx context.Context, d Data, in Input) (Result, error) {
				return Result{Message: "v2", AwaitInput: true}, nil
			}},
		},
	})

	res, err := e.Continue(ctx, "s1", "12345678901")
	if !errors.Is(err, ErrStepNotFound) {
		t.Fatalf("err = %v, want ErrStepNotFound", err)
	}
	if res == nil || !res.Finalized {
		t.Fatalf("expected finalized result, got %+v", res)
	}
	if res.Text() != DefaultMessages().StepNotFound {
		t.Errorf("text = %q", res.Text())
	}
	if st.Len() != 0 {
		t.Error("session kept after step not found")
	}
	if got := obs.reasons(); len(got) != 1 || got[0] != ReasonStepNotFound {
		t.Errorf("observer reasons = %v", got)
	}

	// new sessions use the new definition
	res, err = e.Start(ctx, "s2", "cadastro", nil)
	if err != nil || res.Text() != "v2" {
		t.Errorf("Start on replaced flow = %+v, %v", res, err)
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	f := &Flow{
		Name:        "eco",
		InitialStep: "eco",
		Steps: map[string]Step{
			"eco": {Run: func(ctx context.Context, d Data, in Input) (Result, error) {
				if !in.Present {
					return Result{Message: "Diga algo", AwaitInput: true}, nil
				}
				return Result{Message: "eco: " + in.Text, AwaitInput: true}, nil
			}},
		},
	}
	e, _ := newTestEngine(t, []*Flow{f})
	ctx := context.Background()
	e.Start(ctx, "s1", "eco", nil)

	sent := []string{"um", "dois", "três"}
	for _, msg := range sent {
		res, err := e.Continue(ctx, "s1", msg)
		if err != nil {
			t.Fatalf("Continue(%q) failed: %v", msg, err)
		}
		if res.Text() != "eco: "+msg {
			t.Errorf("reply = %q", res.Text())
		}
	}

	snap, err := e.Inspect(ctx, "s1")
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if len(snap.History) < 2*len(sent) {
		t.Fatalf("history length = %d, want >= %d", len(snap.History), 2*len(sent))
	}
	var users []string
	for _, h := range snap.History {
		if h.Role == models.RoleUser {
			users = append(users, h.Message)
		}
	}
	if !equalStrings(users, sent) {
		t.Errorf("user history = %q, want %q", users, sent)
	}
}

func TestStepChainTooLong(t *testing.T) {
	obs := &recordingObserver{}
	calls := 0
	f := &Flow{
		Name:        "laco",
		InitialStep: "a",
		Steps: map[string]Step{
			"a": {Run: func(ctx context.Context, d Data, in Input) (Result, error) {
				calls++
				return Result{Message: "a", Next: "b"}, nil
			}},
			"b": {Run: func(ctx context.Context, d Data, in Input) (Result, error) {
				calls++
				return Result{Next: "a"}, nil
			}},
		},
	}
	e, st := newTestEngine(t, []*Flow{f}, WithMaxChain(5), WithObserver(obs))

	res, err := e.Start(context.Background(), "s1", "laco", nil)
	if !errors.Is(err, ErrStepChainTooLong) {
		t.Fatalf("err = %v, want ErrStepChainTooLong", err)
	}
	if calls != 5 {
		t.Errorf("handlers ran %d times, want 5", calls)
	}
	if res == nil || !res.Finalized {
		t.Fatalf("expected finalized result: %+v", res)
	}
	msgs := messageContents(res)
	if msgs[len(msgs)-1] != DefaultMessages().ChainTooLong {
		t.Errorf("last message = %q", msgs[len(msgs)-1])
	}
	if st.Len() != 0 {
		t.Error("session kept after chain limit")
	}
	if got := obs.reasons(); len(got) != 1 || got[0] != ReasonChainTooLong {
		t.Errorf("observer reasons = %v", got)
	}
}

func TestMissingRequiredData(t *testing.T) {
	obs := &recordingObserver{}
	f := &Flow{
		Name:        "fatura",
		InitialStep: "menu",
		Steps: map[string]Step{
			"menu": {Requires: []string{"cliente"}, Run: func(ctx context.Context, d Data, in Input) (Result, error) {
				return Result{Message: "menu", AwaitInput: true}, nil
			}},
		},
	}
	e, st := newTestEngine(t, []*Flow{f}, WithObserver(obs))

	res, err := e.Start(context.Background(), "s1", "fatura", nil)
	if !errors.Is(err, ErrMissingData) {
		t.Fatalf("err = %v, want ErrMissingData", err)
	}
	if !strings.Contains(err.Error(), "cliente") {
		t.Errorf("error does not name the key: %v", err)
	}
	if !res.Finalized || res.Text() != DefaultMessages().MissingData {
		t.Errorf("unexpected result: %+v", res)
	}
	if st.Len() != 0 {
		t.Error("session kept after missing data")
	}

	res, err = e.Start(context.Background(), "s2", "fatura", map[string]any{"cliente": "João"})
	if err != nil || res.Text() != "menu" {
		t.Errorf("Start with data = %+v, %v", res, err)
	}
	if got := obs.reasons(); len(got) != 1 || got[0] != ReasonMissingData {
		t.Errorf("observer reasons = %v", got)
	}
}

func TestHandlerErrorDoesNotPersist(t *testing.T) {
	boom := errors.New("api indisponível")
	f := &Flow{
		Name:        "consulta",
		InitialStep: "pergunta",
		Steps: map[string]Step{
			"pergunta": {Run: func(ctx context.Context, d Data, in Input) (Result, error) {
				if in.Text == "falha" {
					d.Set("sujo", true)
					return Result{}, boom
				}
				return Result{Message: "Qual o pedido?", AwaitInput: true}, nil
			}},
		},
	}
	e, _ := newTestEngine(t, []*Flow{f})
	ctx := context.Background()
	e.Start(ctx, "s1", "consulta", nil)
	before, _ := e.Inspect(ctx, "s1")

	res, err := e.Continue(ctx, "s1", "falha")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped handler error", err)
	}
	if res != nil {
		t.Errorf("unexpected result: %+v", res)
	}

	after, err := e.Inspect(ctx, "s1")
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if len(after.History) != len(before.History) {
		t.Errorf("history changed: %d -> %d", len(before.History), len(after.History))
	}
	if _, ok := after.Data["sujo"]; ok {
		t.Error("data written by the failed step was persisted")
	}
	if _, ok := after.Data[KeyLastMessage]; ok {
		t.Error("last_message persisted for a failed turn")
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	f := &Flow{
		Name:        "panico",
		InitialStep: "a",
		Steps: map[string]Step{
			"a": {Run: func(ctx context.Context, d Data, in Input) (Result, error) {
				panic("nil map")
			}},
		},
	}
	e, _ := newTestEngine(t, []*Flow{f})
	_, err := e.Start(context.Background(), "s1", "panico", nil)
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Errorf("err = %v, want recovered panic", err)
	}
}

func TestTurnTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	f := &Flow{
		Name:        "lento",
		InitialStep: "a",
		Steps: map[string]Step{
			"a": {Run: func(ctx context.Context, d Data, in Input) (Result, error) {
				if !in.Present {
					return Result{Message: "pronto", AwaitInput: true}, nil
				}
				<-release
				return Result{Message: "tarde demais"}, nil
			}},
		},
	}
	e, _ := newTestEngine(t, []*Flow{f}, WithTurnTimeout(50*time.Millisecond))
	ctx := context.Background()
	if _, err := e.Start(ctx, "s1", "lento", nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	begin := time.Now()
	_, err := e.Continue(ctx, "s1", "oi")
	if !errors.Is(err, ErrTurnTimeout) {
		t.Fatalf("err = %v, want ErrTurnTimeout", err)
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Errorf("Continue took %v", elapsed)
	}

	snap, err := e.Inspect(ctx, "s1")
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if len(snap.History) != 1 {
		t.Errorf("history = %d entries, want 1", len(snap.History))
	}
}

func TestStartGeneratesIDAndOverwrites(t *testing.T) {
	n := 0
	gen := func() string {
		n++
		return fmt.Sprintf("gen-%d", n)
	}
	e, st := newTestEngine(t, []*Flow{documentFlow()}, WithIDGenerator(gen))
	ctx := context.Background()

	res, err := e.Start(ctx, "", "cadastro", map[string]any{"contract": "C-1"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if res.SessionID != "gen-1" {
		t.Errorf("session id = %q, want gen-1", res.SessionID)
	}

	e.Continue(ctx, "gen-1", "12345678901")
	if _, err := e.Start(ctx, "gen-1", "cadastro", nil); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	sess, _ := st.Get(ctx, "gen-1")
	if sess.CurrentStep != "coletar" || len(sess.History) != 0 {
		t.Errorf("restart did not overwrite: step=%q history=%d", sess.CurrentStep, len(sess.History))
	}
	if _, ok := sess.Data["contract"]; ok {
		t.Error("old data survived restart")
	}
}

func TestInspectAndReset(t *testing.T) {
	obs := &recordingObserver{}
	e, _ := newTestEngine(t, []*Flow{documentFlow()}, WithObserver(obs))
	ctx := context.Background()
	e.Start(ctx, "s1", "cadastro", map[string]any{"contract": "C-9"})

	snap, err := e.Inspect(ctx, "s1")
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if snap.FlowName != "cadastro" || snap.CurrentStep != "coletar" || snap.Data["contract"] != "C-9" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	existed, err := e.Reset(ctx, "s1")
	if err != nil || !existed {
		t.Errorf("Reset = %v, %v", existed, err)
	}
	existed, err = e.Reset(ctx, "s1")
	if err != nil || existed {
		t.Errorf("second Reset = %v, %v", existed, err)
	}
	if _, err := e.Inspect(ctx, "s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Inspect after reset err = %v", err)
	}
	if got := obs.reasons(); len(got) != 1 || got[0] != ReasonReset {
		t.Errorf("observer reasons = %v", got)
	}
}

func TestMessageKindPassedThrough(t *testing.T) {
	f := &Flow{
		Name:        "tipos",
		InitialStep: "a",
		Steps: map[string]Step{
			"a": {Run: func(ctx context.Context, d Data, in Input) (Result, error) {
				return Result{Message: "texto", Next: "b"}, nil
			}},
			"b": {Run: func(ctx context.Context, d Data, in Input) (Result, error) {
				return Result{Message: "https://exemplo/boleto.pdf", Kind: KindEmbed, AwaitInput: true}, nil
			}},
		},
	}
	e, _ := newTestEngine(t, []*Flow{f})
	res, err := e.Start(context.Background(), "s1", "tipos", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if len(res.Messages) != 2 {
		t.Fatalf("messages = %+v", res.Messages)
	}
	if res.Messages[0].Kind != "" || res.Messages[1].Kind != models.MessageKindEmbed {
		t.Errorf("kinds = %q, %q", res.Messages[0].Kind, res.Messages[1].Kind)
	}
}

func TestConcurrentContinueSerialized(t *testing.T) {
	f := &Flow{
		Name:        "contador",
		InitialStep: "contar",
		Steps: map[string]Step{
			"contar": {Run: func(ctx context.Context, d Data, in Input) (Result, error) {
				if !in.Present {
					return Result{AwaitInput: true}, nil
				}
				n, _ := d.Int("count")
				// widen the read-modify-write window
				time.Sleep(20 * time.Millisecond)
				d.Set("count", n+1)
				return Result{Message: fmt.Sprintf("recebido %s", in.Text), AwaitInput: true}, nil
			}},
		},
	}
	e, _ := newTestEngine(t, []*Flow{f})
	ctx := context.Background()
	if _, err := e.Start(ctx, "s1", "contador", nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, msg := range []string{"a", "b"} {
		wg.Add(1)
		go func(msg string) {
			defer wg.Done()
			if _, err := e.Continue(ctx, "s1", msg); err != nil {
				errs <- err
			}
		}(msg)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Continue failed: %v", err)
	}

	snap, err := e.Inspect(ctx, "s1")
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if n, _ := Data(snap.Data).Int("count"); n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
	seen := map[string]int{}
	for _, h := range snap.History {
		if h.Role == models.RoleUser {
			seen[h.Message]++
		}
	}
	if seen["a"] != 1 || seen["b"] != 1 || len(snap.History) != 4 {
		t.Errorf("unexpected history: %+v", snap.History)
	}
}

func TestLockTimeout(t *testing.T) {
	locker := NewKeyedMutex()
	e, _ := newTestEngine(t, []*Flow{documentFlow()}, WithLocker(locker), WithTurnTimeout(30*time.Millisecond))
	ctx := context.Background()
	e.Start(ctx, "s1", "cadastro", nil)

	unlock, err := locker.Lock(ctx, "s1")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer unlock()

	if _, err := e.Continue(ctx, "s1", "12345678901"); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("err = %v, want ErrLockTimeout", err)
	}
}

func TestEngineFlows(t *testing.T) {
	e, _ := newTestEngine(t, []*Flow{documentFlow(), {Name: "atendimento", InitialStep: "x"}})
	if got := e.Flows(); !equalStrings(got, []string{"atendimento", "cadastro"}) {
		t.Errorf("Flows() = %v", got)
	}
}
