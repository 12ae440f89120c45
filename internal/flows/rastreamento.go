package flows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/ChatFlow/internal/flow"
)

const (
	keyOrderNumber = "numero_pedido"
	keyOrder       = "pedido"
)

const minOrderNumberLen = 5

// NewRastreamento builds rastreamento_pedido.
func NewRastreamento(orders OrderTracker) *flow.Flow {
	return &flow.Flow{
		Name:        Rastreamento,
		InitialStep: "solicitar_pedido",
		Steps: map[string]flow.Step{
			"solicitar_pedido": {
				Next: []string{"buscar_pedido"},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					if !in.Present {
						return ask("📦 Rastreamento de Pedido\n\nPor favor, informe o número do seu pedido:")
					}
					number := strings.TrimSpace(in.Text)
					if len(number) < minOrderNumberLen {
						return ask("Número de pedido inválido. Digite novamente:")
					}
					d.Set(keyOrderNumber, number)
					return goTo("buscar_pedido", "")
				},
			},
			"buscar_pedido": {
				Requires: []string{keyOrderNumber},
				Next:     []string{"exibir_status", "solicitar_pedido"},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					const searching = "🔍 Buscando informações do pedido..."
					status, err := orders.Track(ctx, d.String(keyOrderNumber))
					if err != nil {
						d.Delete(keyOrderNumber)
						if errors.Is(err, ErrOrderNotFound) {
							return askAt("solicitar_pedido", searching+"\n\n❌ Pedido não encontrado. Confira o número e digite novamente:")
						}
						slog.Warn("flows.Rastreamento: order lookup failed", "error", err)
						return askAt("solicitar_pedido", searching+"\n\nNão consegui consultar o pedido agora. Tente novamente em instantes:")
					}
					d.Set(keyOrder, status)
					return goTo("exibir_status", searching)
				},
			},
			"exibir_status": {
				Requires: []string{keyOrder},
				Next:     []string{"solicitar_pedido"},
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					if !in.Present {
						var status OrderStatus
						if err := d.Decode(keyOrder, &status); err != nil {
							return flow.Result{}, err
						}
						return ask(fmt.Sprintf("✅ Pedido encontrado!\n\nNúmero: %s\nStatus: %s\nPrevisão de entrega: %s\n\nDeseja rastrear outro pedido?\n1 - Sim\n2 - Não",
							status.Number, status.Status, status.EstimatedDelivery.Format("02/01/2006")))
					}
					if strings.TrimSpace(in.Text) == "1" {
						d.Delete(keyOrderNumber, keyOrder)
						return goTo("solicitar_pedido", "")
					}
					return finish("Obrigado por usar nosso serviço de rastreamento!", nil)
				},
			},
		},
	}
}
