package flows

import (
	"context"
	"fmt"
	"strings"

	"github.com/BTreeMap/ChatFlow/internal/flow"
	"github.com/BTreeMap/ChatFlow/internal/validate"
)

const (
	keyName  = "nome"
	keyEmail = "email"
	keyPhone = "telefone"
)

// NewCadastroCompleto builds cadastro_completo: name, e-mail and phone with a review step
// that can send the user back to any single field.
func NewCadastroCompleto() *flow.Flow {
	return &flow.Flow{
		Name:        CadastroCompleto,
		InitialStep: "bem_vindo",
		Steps: map[string]flow.Step{
			"bem_vindo": {
				Next: []string{"coletar_nome"},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					return goTo("coletar_nome", "👋 Bem-vindo!\n\nVamos fazer seu cadastro completo.")
				},
			},
			"coletar_nome": {
				Next: []string{"coletar_email", "confirmar_dados"},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					if !in.Present {
						return ask("Qual é o seu nome completo?")
					}
					if !validate.FullName(in.Text) {
						return ask("Por favor, informe seu nome completo:")
					}
					d.Set(keyName, strings.Join(strings.Fields(in.Text), " "))
					return goTo(nextMissing(d, "coletar_email"), "")
				},
			},
			"coletar_email": {
				Next: []string{"coletar_telefone", "confirmar_dados"},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					if !in.Present {
						return ask("Qual é o seu e-mail?")
					}
					if !validate.Email(in.Text) {
						return ask("E-mail inválido. Tente novamente:")
					}
					d.Set(keyEmail, strings.TrimSpace(in.Text))
					return goTo(nextMissing(d, "coletar_telefone"), "")
				},
			},
			"coletar_telefone": {
				Next: []string{"validando_dados"},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					if !in.Present {
						return ask("Qual é o seu telefone? (apenas números)")
					}
					if !validate.Phone(in.Text) {
						return ask("Telefone inválido. Digite apenas os números (DDD + número):")
					}
					d.Set(keyPhone, validate.Digits(in.Text))
					return goTo("validando_dados", "")
				},
			},
			"validando_dados": {
				Requires: []string{keyName, keyEmail, keyPhone},
				Next:     []string{"confirmar_dados"},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					return goTo("confirmar_dados", "⏳ Validando seus dados...")
				},
			},
			"confirmar_dados": {
				Requires: []string{keyName, keyEmail, keyPhone},
				Next:     []string{"finalizar_cadastro", "coletar_nome", "coletar_email", "coletar_telefone"},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					if !in.Present {
						return ask(fmt.Sprintf("✅ Dados coletados:\n\nNome: %s\nE-mail: %s\nTelefone: %s\n\nOs dados estão corretos?\n1 - Sim, confirmar\n2 - Não, corrigir nome\n3 - Não, corrigir e-mail\n4 - Não, corrigir telefone",
							d.String(keyName), d.String(keyEmail), d.String(keyPhone)))
					}
					switch strings.TrimSpace(in.Text) {
					case "1":
						return goTo("finalizar_cadastro", "")
					case "2":
						d.Delete(keyName)
						return goTo("coletar_nome", "")
					case "3":
						d.Delete(keyEmail)
						return goTo("coletar_email", "")
					case "4":
						d.Delete(keyPhone)
						return goTo("coletar_telefone", "")
					default:
						return ask("Opção inválida. Digite 1, 2, 3 ou 4:")
					}
				},
			},
			"finalizar_cadastro": {
				Requires: []string{keyName},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					return finish(fmt.Sprintf("🎉 Cadastro realizado com sucesso!\n\nSeja bem-vindo(a), %s!", validate.FirstName(d.String(keyName))), nil)
				},
			},
		},
	}
}

// nextMissing returns to the review once every field is filled again after a correction;
// during the first pass it continues with next.
func nextMissing(d flow.Data, next string) string {
	if d.Has(keyName) && d.Has(keyEmail) && d.Has(keyPhone) {
		return "confirmar_dados"
	}
	return next
}
