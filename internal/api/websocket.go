package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/ChatFlow/internal/flow"
	"github.com/BTreeMap/ChatFlow/internal/models"
	"github.com/gorilla/websocket"
)

// Websocket frame types
const (
	FrameStart   = "start"
	FrameMessage = "message"
	FrameReset   = "reset"
	FrameResult  = "result"
	FrameError   = "error"
)

const wsWriteTimeout = 10 * time.Second

// ClientFrame is a request sent by a websocket chat client.
type ClientFrame struct {
	Type      string         `json:"type"`
	Flow      string         `json:"flow,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Message   string         `json:"message,omitempty"`
	Contract  string         `json:"contract,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// ServerFrame answers one ClientFrame.
type ServerFrame struct {
	Type       string             `json:"type"`
	Result     *models.TurnResult `json:"result,omitempty"`
	SessionID  string             `json:"session_id,omitempty"`
	WasPresent *bool              `json:"was_present,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// wsHandler runs a chat over a websocket. The connection remembers the last session it
// started, so message and reset frames may omit session_id.
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Server.wsHandler: upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	slog.Debug("Server.wsHandler: client connected", "remote", r.RemoteAddr)

	ctx := r.Context()
	current := ""
	for {
		var frame ClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("Server.wsHandler: read failed", "error", err)
			}
			slog.Debug("Server.wsHandler: client disconnected", "remote", r.RemoteAddr, "session_id", current)
			return
		}
		if frame.SessionID == "" && frame.Type != FrameStart {
			frame.SessionID = current
		}

		reply := s.handleFrame(ctx, &frame)
		if reply.Result != nil {
			current = reply.Result.SessionID
		}
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(reply); err != nil {
			slog.Warn("Server.wsHandler: write failed", "error", err, "session_id", current)
			return
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, frame *ClientFrame) ServerFrame {
	switch frame.Type {
	case FrameStart:
		req := models.StartRequest{SessionID: frame.SessionID, Flow: frame.Flow, Contract: frame.Contract, Context: frame.Context}
		res, terr := s.startTurn(ctx, &req)
		if terr != nil {
			return ServerFrame{Type: FrameError, Error: terr.message}
		}
		return ServerFrame{Type: FrameResult, Result: res}

	case FrameMessage:
		req := models.MessageRequest{SessionID: frame.SessionID, Message: frame.Message}
		res, terr := s.continueTurn(ctx, &req)
		if terr != nil {
			return ServerFrame{Type: FrameError, Error: terr.message}
		}
		return ServerFrame{Type: FrameResult, Result: res}

	case FrameReset:
		if err := models.ValidateSessionID(frame.SessionID); err != nil {
			return ServerFrame{Type: FrameError, Error: err.Error()}
		}
		existed, err := s.engine.Reset(ctx, frame.SessionID)
		if err != nil {
			slog.Error("Server.handleFrame: reset failed", "error", err, "session_id", frame.SessionID)
			msg := "Failed to reset session"
			if errors.Is(err, flow.ErrLockTimeout) {
				msg = "Session is busy, try again"
			}
			return ServerFrame{Type: FrameError, Error: msg}
		}
		return ServerFrame{Type: FrameReset, SessionID: frame.SessionID, WasPresent: &existed}

	default:
		slog.Warn("Server.handleFrame: unknown frame type", "type", frame.Type)
		return ServerFrame{Type: FrameError, Error: "unknown frame type: " + frame.Type}
	}
}
