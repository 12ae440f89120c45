package flows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/ChatFlow/internal/flow"
	"github.com/BTreeMap/ChatFlow/internal/hours"
	"github.com/BTreeMap/ChatFlow/internal/rbx"
	"github.com/BTreeMap/ChatFlow/internal/validate"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

const (
	keyInvoices        = "boletos"
	keySelectedInvoice = "boleto_selecionado"
)

const (
	rbxInitialMenu = "▶️ 1 - Falar com financeiro\n▶️ 2 - Falar com suporte\n▶️ 3 - Falar com atendente\n▶️ 4 - Sair"
	rbxFinanceMenu = "▶️ 1 - Obter segunda via (Boleto em aberto)\n▶️ 2 - Obter Pix Copia e Cola (Boleto em aberto)\n▶️ 3 - Informar aviso de pagamento\n▶️ 4 - Voltar ao menu principal"
	rbxYesNo       = "▶️ 1 - Sim\n▶️ 2 - Não"
	rbxGoodbye     = "Obrigada pelo contato, até mais!"
)

// NewAtendimentoRBX builds atendimento_rbx: identify the customer against RBX, then serve
// billet second copies, PIX codes and payment notices, or hand off to a human.
func NewAtendimentoRBX(billing Billing, contacts ContactSaver, schedule *hours.Schedule) *flow.Flow {
	b := &rbxSteps{billing: billing, contacts: contacts, hours: schedule}
	return &flow.Flow{
		Name:            AtendimentoRBX,
		InitialStep:     "inicio",
		RequiredContext: []string{KeyContract},
		Steps: map[string]flow.Step{
			"inicio": {
				Next: []string{"apresentacao"},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					return goTo("apresentacao", "Olá, que bom que você entrou em contato com a Loga!")
				},
			},
			"apresentacao": {
				Next: []string{"solicitar_documento"},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					return goTo("solicitar_documento", "Eu sou a Lara, assistente virtual da RBXSoft!")
				},
			},
			"solicitar_documento": {
				Next: []string{"buscar_cadastro"},
				Run:  collectDocument("buscar_cadastro"),
			},
			"buscar_cadastro": {
				Requires: []string{keyDocument},
				Next:     []string{"confirmar_cadastro", "erro_cadastro"},
				Run:      b.findCustomer,
			},
			"erro_cadastro": {
				Next: []string{"solicitar_documento"},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					return askAt("solicitar_documento", "Cadastro não encontrado. Por favor, informe outro CPF/CNPJ!")
				},
			},
			"confirmar_cadastro": {
				Requires: []string{keyCustomer},
				Next:     []string{"menu_inicial", "solicitar_documento"},
				Run:      b.confirmCustomer,
			},
			"menu_inicial": {
				Next: []string{"confirmar_menu_inicial"},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					return askAt("confirmar_menu_inicial", "Para seguir com o atendimento, escolha uma das opções abaixo\n\n"+rbxInitialMenu)
				},
			},
			"confirmar_menu_inicial": {
				Next: []string{"menu_financeiro", "finalizar"},
				Run:  b.initialMenu,
			},
			"menu_financeiro": {
				Next: []string{"confirmar_menu_financeiro"},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					return askAt("confirmar_menu_financeiro", "Escolha uma das opções abaixo\n\n"+rbxFinanceMenu)
				},
			},
			"confirmar_menu_financeiro": {
				Requires: []string{keyCustomer},
				Next:     []string{"menu_boletos", "menu_boletos_pix", "menu_boletos_aviso", "menu_inicial", "finalizar"},
				Run:      b.financeMenu,
			},
			"menu_boletos": {
				Requires: []string{keyInvoices},
				Next:     []string{"confirmar_boletos"},
				Run:      invoiceMenu("confirmar_boletos"),
			},
			"confirmar_boletos": {
				Requires: []string{keyInvoices},
				Next:     []string{"menu_financeiro", "menu_boletos", "finalizar"},
				Run:      b.sendBillet,
			},
			"menu_boletos_pix": {
				Requires: []string{keyInvoices},
				Next:     []string{"confirmar_boletos_pix"},
				Run:      invoiceMenu("confirmar_boletos_pix"),
			},
			"confirmar_boletos_pix": {
				Requires: []string{keyInvoices},
				Next:     []string{"menu_financeiro", "menu_boletos_pix", "finalizar"},
				Run:      b.sendPix,
			},
			"menu_boletos_aviso": {
				Requires: []string{keyInvoices},
				Next:     []string{"confirmar_boletos_aviso"},
				Run:      invoiceMenu("confirmar_boletos_aviso"),
			},
			"confirmar_boletos_aviso": {
				Requires: []string{keyInvoices},
				Next:     []string{"menu_financeiro", "menu_boletos_aviso", "aviso_pagamento"},
				Run:      b.selectForNotice,
			},
			"aviso_pagamento": {
				Requires: []string{keyCustomer, keySelectedInvoice},
				Next:     []string{"finalizar"},
				Run:      b.notifyPayment,
			},
			"finalizar": {
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					return finish(rbxGoodbye, nil)
				},
			},
		},
	}
}

type rbxSteps struct {
	billing  Billing
	contacts ContactSaver
	hours    *hours.Schedule
}

func (b *rbxSteps) findCustomer(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
	cust, err := b.billing.FindCustomer(ctx, d.String(keyDocument))
	if err != nil {
		if !errors.Is(err, rbx.ErrNotFound) {
			slog.Warn("flows.AtendimentoRBX: customer lookup failed", "error", err)
		}
		return goTo("erro_cadastro", "")
	}
	whatsapp := d.String(KeyWhatsApp)
	if whatsapp == "" {
		whatsapp = d.String(flow.KeySessionID)
	}
	d.Set(keyCustomer, customerRecord{Code: cust.Code, Name: cust.Name, Document: cust.Document, WhatsApp: whatsapp})
	return goTo("confirmar_cadastro", msgSearching)
}

func (b *rbxSteps) confirmCustomer(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
	var cust customerRecord
	if err := d.Decode(keyCustomer, &cust); err != nil {
		return flow.Result{}, err
	}
	if !in.Present {
		return ask(fmt.Sprintf("✅ Consegui localizar o cadastro em nome de %s\n\nÉ para esse cadastro que você deseja atendimento?\n\n%s", cust.Name, rbxYesNo))
	}
	switch strings.TrimSpace(in.Text) {
	case "1":
		if b.contacts != nil {
			if err := b.contacts.SaveContact(ctx, d.String(KeyContract), cust.WhatsApp, cust.Name); err != nil {
				slog.Warn("flows.AtendimentoRBX: failed to save contact", "error", err, "customer", cust.Code)
			}
		}
		return goTo("menu_inicial", "")
	case "2":
		d.Delete(keyDocument, keyCustomer)
		return askAt("solicitar_documento", "Entendido. Por favor, informe outro CPF/CNPJ!")
	default:
		return ask("Opção inválida. Por favor, digite:\n" + rbxYesNo)
	}
}

func (b *rbxSteps) initialMenu(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
	switch strings.TrimSpace(in.Text) {
	case "1":
		return goTo("menu_financeiro", "")
	case "2", "3":
		if !b.hours.IsOpen() {
			return goTo("finalizar", "Estamos fechados no momento. Por favor, tente novamente mais tarde!")
		}
		return finish("Certo, vou transferir você para o atendimento humano!", map[string]any{ExtraOpenTicket: true})
	case "4":
		return goTo("finalizar", "")
	default:
		return ask("Opção inválida. Por favor, digite:\n" + rbxInitialMenu)
	}
}

func (b *rbxSteps) financeMenu(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
	var next string
	switch strings.TrimSpace(in.Text) {
	case "1":
		next = "menu_boletos"
	case "2":
		next = "menu_boletos_pix"
	case "3":
		next = "menu_boletos_aviso"
	case "4":
		return goTo("menu_inicial", "")
	default:
		return ask("Opção inválida. Por favor, digite:\n" + rbxFinanceMenu)
	}

	var cust customerRecord
	if err := d.Decode(keyCustomer, &cust); err != nil {
		return flow.Result{}, err
	}
	invoices, err := b.billing.UnpaidDocuments(ctx, cust.Code)
	switch {
	case errors.Is(err, rbx.ErrNotFound) || (err == nil && len(invoices) == 0):
		return goTo("finalizar", fmt.Sprintf("Não existem boleto(s) em aberto para esse cadastro %s", cust.Name))
	case err != nil:
		slog.Warn("flows.AtendimentoRBX: failed to list unpaid documents", "error", err, "customer", cust.Code)
		return goTo("finalizar", "Não consegui consultar seus boletos agora, tente novamente mais tarde!")
	}
	d.Set(keyInvoices, invoices)
	return goTo(next, fmt.Sprintf("Encontrei %d boleto(s) em aberto para %s", len(invoices), cust.Name))
}

// invoiceMenu lists the open invoices and waits for the choice on confirmStep.
func invoiceMenu(confirmStep string) flow.StepFunc {
	return func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
		var invoices []rbx.Invoice
		if err := d.Decode(keyInvoices, &invoices); err != nil {
			return flow.Result{}, err
		}
		lines := make([]string, 0, len(invoices)+1)
		for i, inv := range invoices {
			lines = append(lines, fmt.Sprintf("▶️ %d - %s Valor R$%s", i+1, validate.FormatBRDate(inv.DueDate), formatBRL(inv.Value)))
		}
		lines = append(lines, "▶️ 0 - Voltar ao menu financeiro")
		return askAt(confirmStep, "Escolha um do(s) boleto(s) abaixo\n\n"+strings.Join(lines, "\n"))
	}
}

// pickInvoice resolves a menu answer. back is true for 0; ok is false for anything
// that does not name a listed invoice.
func pickInvoice(d flow.Data, text string) (inv rbx.Invoice, back, ok bool, err error) {
	if strings.TrimSpace(text) == "0" {
		return inv, true, false, nil
	}
	var invoices []rbx.Invoice
	if err := d.Decode(keyInvoices, &invoices); err != nil {
		return inv, false, false, err
	}
	n, valid := validate.Option(text, len(invoices))
	if !valid {
		return inv, false, false, nil
	}
	return invoices[n-1], false, true, nil
}

func (b *rbxSteps) sendBillet(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
	inv, back, ok, err := pickInvoice(d, in.Text)
	switch {
	case err != nil:
		return flow.Result{}, err
	case back:
		return goTo("menu_financeiro", "")
	case !ok:
		return goTo("menu_boletos", "Opção inválida")
	}
	link, err := b.billing.BilletLink(ctx, inv.ID)
	if err != nil || link == "" {
		slog.Warn("flows.AtendimentoRBX: billet link unavailable", "error", err, "invoice", inv.ID)
		return goTo("finalizar", "Ocorreu um erro ao tentar recuperar o pdf, tente novamente mais tarde!")
	}
	return flow.Result{Message: link, Kind: flow.KindEmbed, Next: "finalizar"}, nil
}

func (b *rbxSteps) sendPix(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
	inv, back, ok, err := pickInvoice(d, in.Text)
	switch {
	case err != nil:
		return flow.Result{}, err
	case back:
		return goTo("menu_financeiro", "")
	case !ok:
		return goTo("menu_boletos_pix", "Opção inválida")
	}
	code, err := b.billing.PixCode(ctx, inv.ID)
	if err != nil || code == "" {
		slog.Warn("flows.AtendimentoRBX: PIX code unavailable", "error", err, "invoice", inv.ID)
		return goTo("finalizar", "Ocorreu um erro ao tentar recuperar o PIX, tente novamente mais tarde!")
	}
	return goTo("finalizar", code)
}

func (b *rbxSteps) selectForNotice(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
	inv, back, ok, err := pickInvoice(d, in.Text)
	switch {
	case err != nil:
		return flow.Result{}, err
	case back:
		return goTo("menu_financeiro", "")
	case !ok:
		return goTo("menu_boletos_aviso", "Opção inválida")
	}
	d.Set(keySelectedInvoice, inv)
	return askAt("aviso_pagamento", "Informe a data de pagamento no formato 00/00/0000")
}

func (b *rbxSteps) notifyPayment(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
	if !in.Present {
		return ask("Preciso que você Informe a data de pagamento no formato 00/00/0000")
	}
	_, iso, err := validate.ParseBRDate(in.Text)
	if err != nil {
		return ask("Data inválida. Informe a data de pagamento no formato 00/00/0000")
	}
	var cust customerRecord
	if err := d.Decode(keyCustomer, &cust); err != nil {
		return flow.Result{}, err
	}
	var inv rbx.Invoice
	if err := d.Decode(keySelectedInvoice, &inv); err != nil {
		return flow.Result{}, err
	}
	accepted, err := b.billing.NotifyPayment(ctx, inv.ID, cust.Code, iso)
	if err != nil || !accepted {
		if err != nil {
			slog.Warn("flows.AtendimentoRBX: payment notice failed", "error", err, "invoice", inv.ID)
		}
		return goTo("finalizar", "Não foi possível informar o pagamento, tente novamente mais tarde!")
	}
	return goTo("finalizar", "Seu pagamento foi informado com sucesso, em breve seu sinal deve voltar ao normal")
}

var brPrinter = message.NewPrinter(language.BrazilianPortuguese)

// formatBRL renders v with pt-BR grouping and two decimal places.
func formatBRL(v float64) string {
	return brPrinter.Sprint(number.Decimal(v, number.Scale(2)))
}
