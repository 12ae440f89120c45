// Command chatsim runs the chat flows in the terminal against the sample backends.
//
// Interactive:   chatsim -flow atendimento_rbx -contract 1001
// Scripted:      chatsim -flow pesquisa_satisfacao -script "5,O atendimento foi lento"
// Demo of all:   chatsim -demo
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/ChatFlow/internal/flow"
	"github.com/BTreeMap/ChatFlow/internal/flows"
	"github.com/BTreeMap/ChatFlow/internal/hours"
	"github.com/BTreeMap/ChatFlow/internal/models"
	"github.com/BTreeMap/ChatFlow/internal/store"
	"github.com/fatih/color"
)

// demoScripts replay a typical conversation for each example flow.
var demoScripts = []struct {
	flow   string
	inputs []string
}{
	{flows.Pesquisa, []string{"5", "O atendimento foi lento"}},
	{flows.Rastreamento, []string{"123456", "2"}},
	{flows.CadastroCompleto, []string{"João da Silva Santos", "joao.silva@email.com", "11987654321", "1"}},
	{flows.Agendamento, []string{"1", "2", "2", "1"}},
}

var (
	botColor    = color.New(color.FgCyan)
	userColor   = color.New(color.FgGreen)
	noticeColor = color.New(color.FgYellow)
	errorColor  = color.New(color.FgRed)
	titleColor  = color.New(color.FgMagenta, color.Bold)
)

// simulator drives one engine from a terminal.
type simulator struct {
	engine *flow.Engine
	out    io.Writer
}

func main() {
	flowName := flag.String("flow", flows.AtendimentoRBX, "flow to run")
	script := flag.String("script", "", "comma-separated user inputs to replay instead of reading stdin")
	contract := flag.String("contract", "1001", "contract passed in the flow context")
	sessionID := flag.String("session", "chatsim", "session id")
	demo := flag.Bool("demo", false, "replay the example conversations of every sample flow")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	sim, err := newSimulator(os.Stdout)
	if err != nil {
		errorColor.Fprintf(os.Stderr, "chatsim: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if *demo {
		for _, d := range demoScripts {
			if err := sim.runScript(ctx, *sessionID+"-"+d.flow, d.flow, nil, d.inputs); err != nil {
				errorColor.Fprintf(os.Stderr, "chatsim: %v\n", err)
				os.Exit(1)
			}
		}
		return
	}

	initial := map[string]any{flows.KeyContract: *contract, flows.KeyWhatsApp: "5511999990000"}
	if *script != "" {
		err = sim.runScript(ctx, *sessionID, *flowName, initial, splitScript(*script))
	} else {
		err = sim.runInteractive(ctx, *sessionID, *flowName, initial, os.Stdin)
	}
	if err != nil {
		errorColor.Fprintf(os.Stderr, "chatsim: %v\n", err)
		os.Exit(1)
	}
}

// newSimulator builds an engine over the in-memory store and the sample backends.
// History is kept through an observer since finished sessions leave the store.
func newSimulator(out io.Writer) (*simulator, error) {
	schedule, err := hours.New()
	if err != nil {
		return nil, err
	}
	reg := flow.NewRegistry()
	flows.Register(reg, flows.Deps{Hours: schedule})
	sim := &simulator{out: out}
	sim.engine = flow.NewEngine(reg, store.NewInMemoryStore(), flow.WithObserver(flow.ObserverFunc(sim.finished)))
	return sim, nil
}

func (s *simulator) finished(ctx context.Context, snap *models.SessionSnapshot, reason flow.Reason) error {
	noticeColor.Fprintf(s.out, "\n--- sessão %s encerrada (%s) ---\n", snap.ID, reason)
	for _, h := range snap.History {
		c := botColor
		if h.Role == models.RoleUser {
			c = userColor
		}
		c.Fprintf(s.out, "[%s] %s: %s\n", h.Time.Format("15:04:05"), h.Role, oneLine(h.Message))
	}
	return nil
}

func (s *simulator) title(flowName string) {
	line := strings.Repeat("=", 70)
	titleColor.Fprintf(s.out, "\n%s\nFLUXO: %s\n%s\n\n", line, flowName, line)
}

func (s *simulator) print(res *models.TurnResult) {
	for _, m := range res.Messages {
		prefix := "🤖 BOT: "
		if m.Kind == models.MessageKindEmbed {
			prefix = "🤖 BOT (link): "
		}
		botColor.Fprintf(s.out, "%s%s\n\n", prefix, m.Content)
	}
	if ticket, _ := res.Extra[flows.ExtraOpenTicket].(bool); ticket {
		noticeColor.Fprintln(s.out, "[atendimento transferido para um atendente humano]")
	}
}

// runScript starts flowName and replays inputs until the session ends.
func (s *simulator) runScript(ctx context.Context, sessionID, flowName string, initial map[string]any, inputs []string) error {
	s.title(flowName)
	res, err := s.engine.Start(ctx, sessionID, flowName, initial)
	if err != nil {
		return err
	}
	s.print(res)
	for _, in := range inputs {
		if res.Finalized {
			break
		}
		userColor.Fprintf(s.out, "👤 USUÁRIO: %s\n\n", in)
		res, err = s.engine.Continue(ctx, sessionID, in)
		if res != nil {
			s.print(res)
		}
		if err != nil {
			return err
		}
	}
	if !res.Finalized {
		noticeColor.Fprintln(s.out, "[roteiro terminou com a sessão ainda aberta]")
		if _, err := s.engine.Reset(ctx, sessionID); err != nil {
			return err
		}
	}
	return nil
}

// runInteractive reads user lines from in until the session ends or input is exhausted.
func (s *simulator) runInteractive(ctx context.Context, sessionID, flowName string, initial map[string]any, in io.Reader) error {
	s.title(flowName)
	res, err := s.engine.Start(ctx, sessionID, flowName, initial)
	if err != nil {
		return err
	}
	s.print(res)

	scanner := bufio.NewScanner(in)
	for !res.Finalized {
		userColor.Fprint(s.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			_, err := s.engine.Reset(ctx, sessionID)
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		res, err = s.engine.Continue(ctx, sessionID, line)
		if res != nil {
			s.print(res)
		}
		if err != nil {
			return err
		}
	}
	return scanner.Err()
}

func splitScript(script string) []string {
	var inputs []string
	for _, part := range strings.Split(script, ",") {
		if p := strings.TrimSpace(part); p != "" {
			inputs = append(inputs, p)
		}
	}
	return inputs
}

func oneLine(s string) string {
	return strings.ReplaceAll(s, "\n", " ⏎ ")
}
