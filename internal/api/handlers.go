package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/ChatFlow/internal/flow"
	"github.com/BTreeMap/ChatFlow/internal/messaging"
	"github.com/BTreeMap/ChatFlow/internal/models"
	"github.com/gorilla/mux"
)

// turnError is a failed turn mapped to an HTTP status and a client-safe message.
type turnError struct {
	status  int
	message string
}

func (e *turnError) Error() string { return e.message }

func badRequest(format string, args ...any) *turnError {
	return &turnError{status: http.StatusBadRequest, message: fmt.Sprintf(format, args...)}
}

// startTurn validates req and starts its session. It is shared by HTTP and websocket clients.
func (s *Server) startTurn(ctx context.Context, req *models.StartRequest) (*models.TurnResult, *turnError) {
	if err := req.Validate(); err != nil {
		return nil, badRequest("%s", err.Error())
	}
	f, ok := s.engine.Lookup(req.Flow)
	if !ok {
		slog.Warn("Server.startTurn: unknown flow", "flow", req.Flow)
		return nil, badRequest("flow not found: %s", req.Flow)
	}
	initial := req.InitialData()
	if missing := f.MissingContext(initial); len(missing) > 0 {
		slog.Warn("Server.startTurn: missing required context", "flow", req.Flow, "missing", missing)
		return nil, badRequest("%s: %s", models.ErrMissingContextKeys.Error(), strings.Join(missing, ", "))
	}

	res, err := s.engine.Start(ctx, req.SessionID, req.Flow, initial)
	return s.turnOutcome("Server.startTurn", req.SessionID, res, err)
}

// continueTurn validates req and delivers its message.
func (s *Server) continueTurn(ctx context.Context, req *models.MessageRequest) (*models.TurnResult, *turnError) {
	if err := req.Validate(); err != nil {
		return nil, badRequest("%s", err.Error())
	}
	res, err := s.engine.Continue(ctx, req.SessionID, req.Message)
	return s.turnOutcome("Server.continueTurn", req.SessionID, res, err)
}

// turnOutcome maps an engine result. A structural failure comes with a finalized result,
// which is still delivered to the client.
func (s *Server) turnOutcome(op, sessionID string, res *models.TurnResult, err error) (*models.TurnResult, *turnError) {
	if err == nil {
		return res, nil
	}
	if errors.Is(err, flow.ErrFlowNotFound) {
		return nil, badRequest("%s", err.Error())
	}
	if res != nil {
		slog.Error(op+": turn ended the session", "error", err, "session_id", res.SessionID)
		return res, nil
	}
	slog.Error(op+": turn failed", "error", err, "session_id", sessionID)
	if errors.Is(err, flow.ErrLockTimeout) || errors.Is(err, flow.ErrTurnTimeout) {
		return nil, &turnError{status: http.StatusServiceUnavailable, message: "Session is busy, try again"}
	}
	return nil, &turnError{status: http.StatusInternalServerError, message: "Failed to process message"}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ChatFlow is running", nil))
}

func (s *Server) flowsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.engine.Flows()))
}

func (s *Server) startHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.startHandler: processing start request", "method", r.Method, "path", r.URL.Path)
	var req models.StartRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		slog.Warn("Server.startHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	res, terr := s.startTurn(r.Context(), &req)
	if terr != nil {
		writeJSONResponse(w, terr.status, models.Error(terr.message))
		return
	}
	slog.Info("Server.startHandler: session started", "session_id", res.SessionID, "flow", req.Flow, "finalized", res.Finalized)
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.messageHandler: processing message request", "method", r.Method, "path", r.URL.Path)
	var req models.MessageRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		slog.Warn("Server.messageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	res, terr := s.continueTurn(r.Context(), &req)
	if terr != nil {
		writeJSONResponse(w, terr.status, models.Error(terr.message))
		return
	}
	slog.Debug("Server.messageHandler: turn complete", "session_id", res.SessionID, "finalized", res.Finalized, "not_found", res.NotFound)
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := models.ValidateSessionID(id); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	snap, err := s.engine.Inspect(r.Context(), id)
	if errors.Is(err, flow.ErrSessionNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	if err != nil {
		slog.Error("Server.getSessionHandler: inspect failed", "error", err, "session_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(snap))
}

func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := models.ValidateSessionID(id); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	existed, err := s.engine.Reset(r.Context(), id)
	if err != nil {
		slog.Error("Server.deleteSessionHandler: reset failed", "error", err, "session_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reset session"))
		return
	}
	slog.Info("Server.deleteSessionHandler: session reset", "session_id", id, "was_present", existed)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]bool{"was_present": existed}))
}

// twilioWebhookHandler accepts Twilio's form-encoded inbound message callback.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: failed to parse form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form body"))
		return
	}
	msg := models.InboundMessage{
		MessageID: r.PostForm.Get("MessageSid"),
		From:      r.PostForm.Get("From"),
		Body:      r.PostForm.Get("Body"),
	}
	if msg.From == "" || strings.TrimSpace(msg.Body) == "" {
		slog.Warn("Server.twilioWebhookHandler: missing From or Body", "message_sid", msg.MessageID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("From and Body are required"))
		return
	}

	err := s.twilio.Deliver(r.Context(), msg)
	switch {
	case err == nil:
		slog.Debug("Server.twilioWebhookHandler: message queued", "message_sid", msg.MessageID, "from", msg.From)
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, messaging.ErrServiceStopped), errors.Is(err, messaging.ErrInboundFull):
		slog.Error("Server.twilioWebhookHandler: inbound unavailable", "error", err, "message_sid", msg.MessageID)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Inbound queue unavailable"))
	default:
		slog.Warn("Server.twilioWebhookHandler: message rejected", "error", err, "from", msg.From)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	}
}
