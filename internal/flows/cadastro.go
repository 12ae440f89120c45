package flows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/ChatFlow/internal/flow"
	"github.com/BTreeMap/ChatFlow/internal/rbx"
	"github.com/BTreeMap/ChatFlow/internal/validate"
)

// Data keys shared by the registration flows.
const (
	keyDocument = "documento"
	keyCustomer = "cliente"
)

const (
	msgAskDocument     = "Preciso que você informe o CPF/CNPJ para o qual deseja atendimento"
	msgInvalidDocument = "CPF/CNPJ inválido. Por favor, informe um documento válido (11 ou 14 dígitos):"
	msgSearching       = "Aguarde enquanto localizo o cadastro!"
	msgAskOtherDoc     = "Entendido. Por favor, informe outro CPF/CNPJ:"
)

// customerRecord is the customer as kept in session data.
type customerRecord struct {
	Code     int64  `json:"codigo"`
	Name     string `json:"nome"`
	Document string `json:"documento"`
	WhatsApp string `json:"whatsapp,omitempty"`
}

func confirmCustomerText(name string) string {
	return fmt.Sprintf("✅ Consegui localizar o cadastro em nome de %s\n\nÉ para esse cadastro que você deseja atendimento?\n\n1 - Sim\n2 - Não", name)
}

// collectDocument is the document prompt shared by both registration flows.
func collectDocument(next string) flow.StepFunc {
	return func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
		if !in.Present {
			return ask(msgAskDocument)
		}
		if !validate.Document(in.Text) {
			return ask(msgInvalidDocument)
		}
		d.Set(keyDocument, validate.Digits(in.Text))
		return goTo(next, "")
	}
}

// NewCadastro builds atendimento_cadastro: identify the customer by CPF/CNPJ and confirm.
func NewCadastro(dir CustomerDirectory) *flow.Flow {
	return &flow.Flow{
		Name:        Cadastro,
		InitialStep: "solicitar_documento",
		Steps: map[string]flow.Step{
			"solicitar_documento": {
				Run:  collectDocument("buscar_cadastro"),
				Next: []string{"buscar_cadastro"},
			},
			"buscar_cadastro": {
				Requires: []string{keyDocument},
				Next:     []string{"confirmar_cadastro", "solicitar_documento"},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					cust, err := dir.FindCustomer(ctx, d.String(keyDocument))
					if err != nil {
						if !errors.Is(err, rbx.ErrNotFound) {
							slog.Warn("flows.Cadastro: customer lookup failed", "error", err)
						}
						return askAt("solicitar_documento", msgSearching+"\n\n❌ Cadastro não encontrado. Por favor, informe outro CPF/CNPJ:")
					}
					d.Set(keyCustomer, customerRecord{Code: cust.Code, Name: cust.Name, Document: cust.Document})
					return goTo("confirmar_cadastro", msgSearching)
				},
			},
			"confirmar_cadastro": {
				Requires: []string{keyCustomer},
				Next:     []string{"finalizar", "solicitar_documento"},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					if !in.Present {
						var cust customerRecord
						if err := d.Decode(keyCustomer, &cust); err != nil {
							return flow.Result{}, err
						}
						return ask(confirmCustomerText(cust.Name))
					}
					switch {
					case isYes(in.Text):
						return goTo("finalizar", "")
					case isNo(in.Text):
						d.Delete(keyDocument, keyCustomer)
						return askAt("solicitar_documento", msgAskOtherDoc)
					default:
						return ask("Opção inválida. Por favor, digite:\n1 - Sim\n2 - Não")
					}
				},
			},
			"finalizar": {
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					return finish("✅ Obrigado por confirmar seu cadastro, até logo!", nil)
				},
			},
		},
	}
}
