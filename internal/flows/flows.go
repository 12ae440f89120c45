// Package flows defines the conversation scripts served by ChatFlow.
//
// Every flow is built by a constructor that receives its collaborators, so the same script
// runs against the RBX API in production and against in-memory samples in tests and chatsim.
package flows

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/ChatFlow/internal/flow"
	"github.com/BTreeMap/ChatFlow/internal/hours"
	"github.com/BTreeMap/ChatFlow/internal/rbx"
	"github.com/BTreeMap/ChatFlow/internal/util"
)

// Flow names.
const (
	Cadastro         = "atendimento_cadastro"
	Suporte          = "suporte_tecnico"
	AtendimentoRBX   = "atendimento_rbx"
	Pesquisa         = "pesquisa_satisfacao"
	Rastreamento     = "rastreamento_pedido"
	CadastroCompleto = "cadastro_completo"
	Agendamento      = "agendamento_servico"
)

// Context keys supplied by callers when starting a flow.
const (
	KeyContract = "contract"
	KeyWhatsApp = "whatsapp"
)

// ExtraOpenTicket is set in a terminal result when the conversation must be handed to a human.
const ExtraOpenTicket = "open_ticket"

// CustomerDirectory finds customers by CPF/CNPJ. Unknown documents yield rbx.ErrNotFound.
type CustomerDirectory interface {
	FindCustomer(ctx context.Context, document string) (*rbx.Customer, error)
}

// Billing is the billing backend of the atendimento_rbx flow; *rbx.Client implements it.
type Billing interface {
	CustomerDirectory
	UnpaidDocuments(ctx context.Context, customerCode int64) ([]rbx.Invoice, error)
	BilletLink(ctx context.Context, invoiceID int64) (string, error)
	PixCode(ctx context.Context, invoiceID int64) (string, error)
	NotifyPayment(ctx context.Context, invoiceID, customerCode int64, isoDate string) (bool, error)
}

// ContactSaver records a customer's number once the customer is identified.
type ContactSaver interface {
	SaveContact(ctx context.Context, contract, number, name string) error
}

// Assistant produces a short free-text answer; *genai.Client implements it.
type Assistant interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Deps are the collaborators of the flows. Nil fields fall back to the in-memory samples,
// except Contacts and Assistant which are simply skipped.
type Deps struct {
	Directory CustomerDirectory
	Billing   Billing
	Contacts  ContactSaver
	Orders    OrderTracker
	Assistant Assistant
	Hours     *hours.Schedule
	Now       func() time.Time
	NewCode   func() string
}

func (d Deps) withDefaults() Deps {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.NewCode == nil {
		d.NewCode = util.GenerateConfirmationCode
	}
	if d.Directory == nil {
		slog.Warn("flows: no customer directory configured, using sample directory")
		d.Directory = NewSampleDirectory()
	}
	if d.Billing == nil {
		slog.Warn("flows: no billing backend configured, using sample billing")
		d.Billing = NewSampleBilling(d.Now)
	}
	if d.Orders == nil {
		d.Orders = NewSampleOrders(d.Now)
	}
	return d
}

// Register adds every flow to reg.
func Register(reg *flow.Registry, deps Deps) {
	deps = deps.withDefaults()
	for _, f := range All(deps) {
		reg.Register(f)
	}
}

// All builds every flow.
func All(deps Deps) []*flow.Flow {
	deps = deps.withDefaults()
	return []*flow.Flow{
		NewCadastro(deps.Directory),
		NewSuporte(deps.Assistant),
		NewAtendimentoRBX(deps.Billing, deps.Contacts, deps.Hours),
		NewPesquisa(),
		NewRastreamento(deps.Orders),
		NewCadastroCompleto(),
		NewAgendamento(deps.Now, deps.NewCode, location(deps.Hours)),
	}
}

func location(s *hours.Schedule) *time.Location {
	if s != nil && s.Location != nil {
		return s.Location
	}
	if loc, err := time.LoadLocation(hours.DefaultTimeZone); err == nil {
		return loc
	}
	return time.UTC
}

// ask shows msg and waits on the current step.
func ask(msg string) (flow.Result, error) {
	return flow.Result{Message: msg, AwaitInput: true}, nil
}

// goTo moves on without waiting, optionally saying msg first.
func goTo(next, msg string) (flow.Result, error) {
	return flow.Result{Message: msg, Next: next}, nil
}

// askAt shows msg, moves to next and waits there.
func askAt(next, msg string) (flow.Result, error) {
	return flow.Result{Message: msg, Next: next, AwaitInput: true}, nil
}

func finish(msg string, extra map[string]any) (flow.Result, error) {
	return flow.Result{Message: msg, Terminate: true, Extra: extra}, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func isYes(s string) bool {
	switch normalize(s) {
	case "1", "sim", "s":
		return true
	}
	return false
}

func isNo(s string) bool {
	switch normalize(s) {
	case "2", "não", "nao", "n":
		return true
	}
	return false
}
