package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/ChatFlow/internal/flow"
	"github.com/BTreeMap/ChatFlow/internal/messaging"
	"github.com/BTreeMap/ChatFlow/internal/models"
	"github.com/BTreeMap/ChatFlow/internal/store"
	"github.com/BTreeMap/ChatFlow/internal/twiliowhatsapp"
	"github.com/gorilla/websocket"
)

// echoFlow asks for a word, repeats it and ends. "boom" makes the step fail.
func echoFlow() *flow.Flow {
	return &flow.Flow{
		Name:        "eco",
		InitialStep: "pedir",
		Steps: map[string]flow.Step{
			"pedir": {
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					if !in.Present {
						return flow.Result{Message: "Diga algo", AwaitInput: true}, nil
					}
					if in.Text == "boom" {
						return flow.Result{}, errors.New("handler exploded")
					}
					if in.Text == "perdido" {
						return flow.Result{Next: "inexistente"}, nil
					}
					return flow.Result{Message: "Você disse: " + in.Text, Terminate: true}, nil
				},
			},
		},
	}
}

func contractFlow() *flow.Flow {
	return &flow.Flow{
		Name:            "contrato",
		InitialStep:     "ola",
		RequiredContext: []string{"contract"},
		Steps: map[string]flow.Step{
			"ola": {
				Run: func(ctx context.Context, d flow.Data, in flow.Input) (flow.Result, error) {
					return flow.Result{Message: "Contrato " + d.String("contract"), AwaitInput: true}, nil
				},
			},
		},
	}
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *flow.Engine) {
	t.Helper()
	reg := flow.NewRegistry()
	reg.Register(echoFlow())
	reg.Register(contractFlow())
	eng := flow.NewEngine(reg, store.NewInMemoryStore())
	return NewServer(eng, opts...), eng
}

// do sends a JSON request through the router and decodes the envelope.
func do(t *testing.T, s *Server, method, path string, body any) (int, models.APIResponse, json.RawMessage) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var envelope struct {
		models.APIResponse
		Result json.RawMessage `json:"result"`
	}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
			t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec.Code, envelope.APIResponse, envelope.Result
}

func decodeTurn(t *testing.T, raw json.RawMessage) models.TurnResult {
	t.Helper()
	var res models.TurnResult
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("Failed to decode turn result: %v", err)
	}
	return res
}

func TestHealthAndFlows(t *testing.T) {
	s, _ := newTestServer(t)

	code, resp, _ := do(t, s, http.MethodGet, "/health", nil)
	if code != http.StatusOK || resp.Status != string(models.APIStatusOK) {
		t.Errorf("health = %d %+v", code, resp)
	}

	code, _, raw := do(t, s, http.MethodGet, "/flows", nil)
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		t.Fatalf("Failed to decode flows: %v", err)
	}
	if code != http.StatusOK || strings.Join(names, ",") != "contrato,eco" {
		t.Errorf("flows = %d %v", code, names)
	}
}

func TestChatStartAndMessage(t *testing.T) {
	s, _ := newTestServer(t)

	code, _, raw := do(t, s, http.MethodPost, "/chat/start", models.StartRequest{SessionID: "s-1", Flow: "eco"})
	if code != http.StatusOK {
		t.Fatalf("start status = %d", code)
	}
	res := decodeTurn(t, raw)
	if res.SessionID != "s-1" || !res.AwaitingInput || res.Text() != "Diga algo" {
		t.Errorf("unexpected start result: %+v", res)
	}

	code, _, raw = do(t, s, http.MethodPost, "/chat/message", models.MessageRequest{SessionID: "s-1", Message: "oi"})
	if code != http.StatusOK {
		t.Fatalf("message status = %d", code)
	}
	res = decodeTurn(t, raw)
	if !res.Finalized || res.Text() != "Você disse: oi" {
		t.Errorf("unexpected message result: %+v", res)
	}

	// the session is gone once finalized
	code, _, raw = do(t, s, http.MethodPost, "/chat/message", models.MessageRequest{SessionID: "s-1", Message: "de novo"})
	res = decodeTurn(t, raw)
	if code != http.StatusOK || !res.NotFound || !res.Finalized {
		t.Errorf("expected not_found result, got %d %+v", code, res)
	}
}

func TestChatStartGeneratesSessionID(t *testing.T) {
	s, _ := newTestServer(t)
	_, _, raw := do(t, s, http.MethodPost, "/chat/start", models.StartRequest{Flow: "eco"})
	if res := decodeTurn(t, raw); res.SessionID == "" {
		t.Error("expected a generated session id")
	}
}

func TestChatStartErrors(t *testing.T) {
	s, _ := newTestServer(t)
	tests := []struct {
		name string
		body any
		want string
	}{
		{"empty flow", models.StartRequest{}, "flow name is required"},
		{"unknown flow", models.StartRequest{Flow: "nenhum"}, "flow not found: nenhum"},
		{"missing contract", models.StartRequest{Flow: "contrato"}, "contract"},
		{"bad session id", models.StartRequest{Flow: "eco", SessionID: "a/b"}, "invalid characters"},
		{"invalid json", "not an object", "Invalid JSON format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp, _ := do(t, s, http.MethodPost, "/chat/start", tt.body)
			if code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", code)
			}
			if resp.Status != string(models.APIStatusError) || !strings.Contains(resp.Message, tt.want) {
				t.Errorf("response = %+v, want message containing %q", resp, tt.want)
			}
		})
	}

	code, _, raw := do(t, s, http.MethodPost, "/chat/start", models.StartRequest{Flow: "contrato", Contract: "c-9"})
	if res := decodeTurn(t, raw); code != http.StatusOK || res.Text() != "Contrato c-9" {
		t.Errorf("start with contract = %d %+v", code, res)
	}
}

func TestChatMessageErrors(t *testing.T) {
	s, eng := newTestServer(t)

	code, _, _ := do(t, s, http.MethodPost, "/chat/message", models.MessageRequest{SessionID: "s-1"})
	if code != http.StatusBadRequest {
		t.Errorf("empty message status = %d, want 400", code)
	}

	if _, err := eng.Start(context.Background(), "s-2", "eco", nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	code, resp, _ := do(t, s, http.MethodPost, "/chat/message", models.MessageRequest{SessionID: "s-2", Message: "boom"})
	if code != http.StatusInternalServerError || resp.Message != "Failed to process message" {
		t.Errorf("handler error = %d %+v", code, resp)
	}

	// structural failures still deliver the finalized result
	code, _, raw := do(t, s, http.MethodPost, "/chat/message", models.MessageRequest{SessionID: "s-2", Message: "perdido"})
	res := decodeTurn(t, raw)
	if code != http.StatusOK || !res.Finalized || len(res.Messages) == 0 {
		t.Errorf("step not found = %d %+v", code, res)
	}
}

func TestSessionInspectAndReset(t *testing.T) {
	s, eng := newTestServer(t)

	code, _, _ := do(t, s, http.MethodGet, "/chat/sessions/nada", nil)
	if code != http.StatusNotFound {
		t.Errorf("missing session status = %d, want 404", code)
	}

	if _, err := eng.Start(context.Background(), "s-3", "eco", map[string]any{"origem": "teste"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	code, _, raw := do(t, s, http.MethodGet, "/chat/sessions/s-3", nil)
	var snap models.SessionSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("Failed to decode snapshot: %v", err)
	}
	if code != http.StatusOK || snap.FlowName != "eco" || snap.CurrentStep != "pedir" || snap.Data["origem"] != "teste" {
		t.Errorf("snapshot = %d %+v", code, snap)
	}

	for _, want := range []bool{true, false} {
		code, _, raw = do(t, s, http.MethodDelete, "/chat/sessions/s-3", nil)
		var out map[string]bool
		json.Unmarshal(raw, &out)
		if code != http.StatusOK || out["was_present"] != want {
			t.Errorf("delete = %d %v, want was_present=%v", code, out, want)
		}
	}
}

func TestTwilioWebhook(t *testing.T) {
	svc := messaging.NewTwilioService(twiliowhatsapp.NewMockClient())
	s, _ := newTestServer(t, WithTwilioInbound(svc))

	post := func(form url.Values) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec := post(url.Values{"MessageSid": {"SM1"}, "From": {"whatsapp:+5511999990000"}, "Body": {"oi"}})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("webhook status = %d, want 204", rec.Code)
	}
	select {
	case msg := <-svc.Inbound():
		if msg.MessageID != "SM1" || msg.From != "5511999990000" || msg.Body != "oi" {
			t.Errorf("unexpected inbound message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("webhook did not deliver the message")
	}

	if rec := post(url.Values{"MessageSid": {"SM2"}, "From": {"whatsapp:+5511999990000"}}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing body status = %d, want 400", rec.Code)
	}

	svc.Stop()
	if rec := post(url.Values{"MessageSid": {"SM3"}, "From": {"whatsapp:+5511999990000"}, "Body": {"x"}}); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("stopped service status = %d, want 503", rec.Code)
	}
}

func TestTwilioWebhookDisabled(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader("Body=x"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when Twilio is not configured", rec.Code)
	}
}

func TestWebSocketChat(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	exchange := func(frame ClientFrame) ServerFrame {
		t.Helper()
		if err := conn.WriteJSON(frame); err != nil {
			t.Fatalf("WriteJSON failed: %v", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var reply ServerFrame
		if err := conn.ReadJSON(&reply); err != nil {
			t.Fatalf("ReadJSON failed: %v", err)
		}
		return reply
	}

	reply := exchange(ClientFrame{Type: FrameStart, Flow: "eco", SessionID: "ws-1"})
	if reply.Type != FrameResult || reply.Result == nil || reply.Result.Text() != "Diga algo" {
		t.Fatalf("unexpected start reply: %+v", reply)
	}

	// session_id omitted: the connection's current session is used
	reply = exchange(ClientFrame{Type: FrameMessage, Message: "olá"})
	if reply.Type != FrameResult || !reply.Result.Finalized || reply.Result.Text() != "Você disse: olá" {
		t.Fatalf("unexpected message reply: %+v", reply)
	}

	reply = exchange(ClientFrame{Type: FrameStart, Flow: "contrato"})
	if reply.Type != FrameError || !strings.Contains(reply.Error, "contract") {
		t.Errorf("expected missing context error, got %+v", reply)
	}

	exchange(ClientFrame{Type: FrameStart, Flow: "eco", SessionID: "ws-2"})
	reply = exchange(ClientFrame{Type: FrameReset})
	if reply.Type != FrameReset || reply.SessionID != "ws-2" || reply.WasPresent == nil || !*reply.WasPresent {
		t.Errorf("unexpected reset reply: %+v", reply)
	}

	reply = exchange(ClientFrame{Type: "dance"})
	if reply.Type != FrameError {
		t.Errorf("expected error for unknown frame, got %+v", reply)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://chat.exemplo.com.br"})
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://chat.exemplo.com.br", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/chat/ws", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		if got := check(req); got != tt.want {
			t.Errorf("origin %q allowed = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestRequestIDHeader(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if id := rec.Header().Get(RequestIDHeader); !strings.HasPrefix(id, "req_") {
		t.Errorf("expected generated request id, got %q", id)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if id := rec.Header().Get(RequestIDHeader); id != "abc-123" {
		t.Errorf("expected caller request id to be echoed, got %q", id)
	}
}
