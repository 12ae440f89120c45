package flows

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/ChatFlow/internal/flow"
	"github.com/BTreeMap/ChatFlow/internal/validate"
)

const (
	keyService = "servico"
	keyDate    = "data"
	keySlots   = "horarios_disponiveis"
	keySlot    = "horario"
	keyCode    = "codigo_confirmacao"
)

// ExtraConfirmationCode carries the booking code in the terminal result of agendamento_servico.
const ExtraConfirmationCode = "codigo"

type service struct {
	Name     string `json:"nome"`
	Duration int    `json:"duracao"` // minutes
}

var services = []service{
	{Name: "Manutenção", Duration: 120},
	{Name: "Instalação", Duration: 180},
	{Name: "Consultoria", Duration: 60},
}

var defaultSlots = []string{"09:00", "11:00", "14:00", "16:00"}

var dayLabels = []string{"Hoje", "Amanhã", "Depois de amanhã"}

// NewAgendamento builds agendamento_servico. Offered dates are relative to now in loc and
// newCode issues the confirmation code.
func NewAgendamento(now func() time.Time, newCode func() string, loc *time.Location) *flow.Flow {
	if loc == nil {
		loc = time.UTC
	}
	dates := func() []string {
		today := now().In(loc)
		out := make([]string, len(dayLabels))
		for i, label := range dayLabels {
			out[i] = fmt.Sprintf("%s (%s)", label, today.AddDate(0, 0, i).Format("02/01/2006"))
		}
		return out
	}

	return &flow.Flow{
		Name:        Agendamento,
		InitialStep: "escolher_servico",
		Steps: map[string]flow.Step{
			"escolher_servico": {
				Next: []string{"escolher_data"},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					if !in.Present {
						return ask("🔧 Agendamento de Serviço\n\nEscolha o serviço:\n1 - Manutenção\n2 - Instalação\n3 - Consultoria")
					}
					n, ok := validate.Option(in.Text, len(services))
					if !ok {
						return ask("Opção inválida. Digite 1, 2 ou 3:")
					}
					d.Set(keyService, services[n-1])
					return goTo("escolher_data", "")
				},
			},
			"escolher_data": {
				Requires: []string{keyService},
				Next:     []string{"verificando_disponibilidade"},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					if !in.Present {
						var svc service
						if err := d.Decode(keyService, &svc); err != nil {
							return flow.Result{}, err
						}
						return ask(fmt.Sprintf("Serviço selecionado: %s\nDuração estimada: %d minutos\n\nEscolha a data:\n1 - Hoje\n2 - Amanhã\n3 - Depois de amanhã",
							svc.Name, svc.Duration))
					}
					n, ok := validate.Option(in.Text, len(dayLabels))
					if !ok {
						return ask("Opção inválida. Digite 1, 2 ou 3:")
					}
					d.Set(keyDate, dates()[n-1])
					return goTo("verificando_disponibilidade", "")
				},
			},
			"verificando_disponibilidade": {
				Next: []string{"escolher_horario"},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					d.Set(keySlots, defaultSlots)
					return goTo("escolher_horario", "🔍 Verificando disponibilidade...")
				},
			},
			"escolher_horario": {
				Requires: []string{keySlots, keyDate},
				Next:     []string{"confirmar_agendamento"},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					var slots []string
					if err := d.Decode(keySlots, &slots); err != nil {
						return flow.Result{}, err
					}
					if !in.Present {
						lines := make([]string, len(slots))
						for i, s := range slots {
							lines[i] = fmt.Sprintf("%d - %s", i+1, s)
						}
						return ask(fmt.Sprintf("✅ Horários disponíveis para %s:\n\n%s", d.String(keyDate), strings.Join(lines, "\n")))
					}
					n, ok := validate.Option(in.Text, len(slots))
					if !ok {
						return ask("Opção inválida. Escolha um dos horários listados:")
					}
					d.Set(keySlot, slots[n-1])
					return goTo("confirmar_agendamento", "")
				},
			},
			"confirmar_agendamento": {
				Requires: []string{keyService, keyDate, keySlot},
				Next:     []string{"processando_agendamento", "agendamento_cancelado"},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					if !in.Present {
						var svc service
						if err := d.Decode(keyService, &svc); err != nil {
							return flow.Result{}, err
						}
						return ask(fmt.Sprintf("📅 Resumo do Agendamento:\n\nServiço: %s\nData: %s\nHorário: %s\nDuração: %d minutos\n\nConfirmar agendamento?\n1 - Sim\n2 - Não",
							svc.Name, d.String(keyDate), d.String(keySlot), svc.Duration))
					}
					switch strings.TrimSpace(in.Text) {
					case "1":
						return goTo("processando_agendamento", "")
					case "2":
						return askAt("agendamento_cancelado", "Agendamento cancelado. Deseja iniciar novamente?\n1 - Sim\n2 - Não")
					default:
						return ask("Opção inválida. Digite 1 para confirmar ou 2 para cancelar:")
					}
				},
			},
			"agendamento_cancelado": {
				Next: []string{"escolher_servico"},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					switch strings.TrimSpace(in.Text) {
					case "1":
						d.Delete(keyService, keyDate, keySlots, keySlot)
						return goTo("escolher_servico", "")
					case "2":
						return finish("Tudo bem, o agendamento não foi realizado. Até breve! 👋", nil)
					default:
						return ask("Opção inválida. Deseja iniciar novamente?\n1 - Sim\n2 - Não")
					}
				},
			},
			"processando_agendamento": {
				Next: []string{"agendamento_concluido"},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					d.Set(keyCode, newCode())
					return goTo("agendamento_concluido", "⏳ Processando seu agendamento...")
				},
			},
			"agendamento_concluido": {
				Requires: []string{keyCode, keyService, keyDate, keySlot},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					var svc service
					if err := d.Decode(keyService, &svc); err != nil {
						return flow.Result{}, err
					}
					code := d.String(keyCode)
					msg := fmt.Sprintf("✅ Agendamento Confirmado!\n\nCódigo: %s\nServiço: %s\nData: %s\nHorário: %s\n\nVocê receberá uma confirmação por e-mail.\nAté breve! 👋",
						code, svc.Name, d.String(keyDate), d.String(keySlot))
					return finish(msg, map[string]any{ExtraConfirmationCode: code})
				},
			},
		},
	}
}
