package flows

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/ChatFlow/internal/flow"
)

const (
	keyOption  = "opcao"
	keyProblem = "problema"
)

const supportSystemPrompt = `Você é um atendente de suporte técnico de um provedor de internet.
Responda em português do Brasil, em no máximo três frases curtas, com uma sugestão prática
que o cliente possa tentar antes de falar com um atendente humano.`

const fallbackSuggestion = "Experimente reiniciar o seu roteador e aguardar dois minutos antes de testar novamente."

// NewSuporte builds suporte_tecnico. Options 1 and 2 hand off immediately; "outros" collects a
// description and, when an assistant is configured, answers with a suggestion first.
func NewSuporte(assistant Assistant) *flow.Flow {
	return &flow.Flow{
		Name:        Suporte,
		InitialStep: "menu_principal",
		Steps: map[string]flow.Step{
			"menu_principal": {
				Next: []string{"descrever_problema"},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					if !in.Present {
						return ask("🔧 Suporte Técnico\n\nEscolha uma opção:\n1 - Problema com internet\n2 - Problema com fatura\n3 - Outros")
					}
					opt := strings.TrimSpace(in.Text)
					switch opt {
					case "1", "2":
						d.Set(keyOption, opt)
						return finish(fmt.Sprintf("Você selecionou a opção %s. Estamos direcionando você para um atendente...", opt),
							map[string]any{ExtraOpenTicket: true})
					case "3":
						d.Set(keyOption, opt)
						return goTo("descrever_problema", "")
					default:
						return ask("Opção inválida. Escolha uma opção:\n1 - Problema com internet\n2 - Problema com fatura\n3 - Outros")
					}
				},
			},
			"descrever_problema": {
				Next: []string{"sugestao"},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					if !in.Present {
						return ask("Descreva brevemente o problema que você está enfrentando:")
					}
					text := strings.TrimSpace(in.Text)
					if len(text) < 3 {
						return ask("Não entendi. Pode descrever o problema com um pouco mais de detalhe?")
					}
					d.Set(keyProblem, text)
					return goTo("sugestao", "")
				},
			},
			"sugestao": {
				Requires: []string{keyProblem},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					suggestion := fallbackSuggestion
					if assistant != nil {
						answer, err := assistant.Complete(ctx, supportSystemPrompt, d.String(keyProblem))
						if err != nil {
							slog.Warn("flows.Suporte: assistant failed, using fallback suggestion", "error", err)
						} else if answer != "" {
							suggestion = answer
						}
					}
					return finish("💡 "+suggestion+"\n\nSe o problema continuar, um atendente vai falar com você em breve.",
						map[string]any{ExtraOpenTicket: true})
				},
			},
		},
	}
}
