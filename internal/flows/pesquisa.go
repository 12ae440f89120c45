package flows

import (
	"context"
	"fmt"
	"strings"

	"github.com/BTreeMap/ChatFlow/internal/flow"
	"github.com/BTreeMap/ChatFlow/internal/validate"
)

const (
	keyGrade    = "nota"
	keyFeedback = "feedback"
)

// gradeThreshold is the lowest grade that skips the feedback question.
const gradeThreshold = 7

// NewPesquisa builds pesquisa_satisfacao.
func NewPesquisa() *flow.Flow {
	return &flow.Flow{
		Name:        Pesquisa,
		InitialStep: "introducao",
		Steps: map[string]flow.Step{
			"introducao": {
				Next: []string{"pergunta_nota"},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					return goTo("pergunta_nota", "📊 Obrigado por usar nossos serviços!\n\nVamos fazer uma pesquisa rápida de satisfação.")
				},
			},
			"pergunta_nota": {
				Next: []string{"feedback_negativo", "agradecimento"},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					if !in.Present {
						return ask("De 0 a 10, qual nota você daria para nosso atendimento?")
					}
					grade, ok := validate.Grade(in.Text)
					if !ok {
						return ask("Por favor, digite uma nota entre 0 e 10:")
					}
					d.Set(keyGrade, grade)
					if grade < gradeThreshold {
						return goTo("feedback_negativo", "")
					}
					return goTo("agradecimento", "")
				},
			},
			"feedback_negativo": {
				Next: []string{"agradecimento"},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					if !in.Present {
						return ask("Que pena! Pode nos dizer o que podemos melhorar?")
					}
					d.Set(keyFeedback, strings.TrimSpace(in.Text))
					return goTo("agradecimento", "")
				},
			},
			"agradecimento": {
				Requires: []string{keyGrade},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					grade, _ := d.Int(keyGrade)
					msg := fmt.Sprintf("✅ Obrigado pelo seu feedback!\n\nNota: %d/10", grade)
					if d.String(keyFeedback) != "" {
						msg += "\n\nVamos trabalhar para melhorar os pontos mencionados."
					}
					return finish(msg, nil)
				},
			},
		},
	}
}
