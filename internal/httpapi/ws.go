package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/friddaylabs/fridday/internal/chat"
	"github.com/friddaylabs/fridday/internal/reasoning"
)

// Websocket frame types, server to client. Every frame carries "type" plus
// the payload fields of that type.
const (
	wsTypeStep  = "step"
	wsTypeReply = "reply"
	wsTypeError = "error"
)

type wsStepFrame struct {
	Type string         `json:"type"`
	Step reasoning.Step `json:"step"`
}

type wsReplyFrame struct {
	Type string `json:"type"`
	chat.SendOutput
}

type wsErrorFrame struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

// handleChatWS upgrades to a websocket and serves chat requests over it. The
// client sends one JSON chatRequest per message; the server streams reasoning
// steps as they complete and finishes each exchange with a reply frame.
// Requests on one connection are handled in order.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
		return nil
	})

	writeFrame := func(v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v) == nil
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var req chatRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if !writeFrame(wsErrorFrame{Type: wsTypeError, Code: "invalid_request", Error: err.Error()}) {
				return
			}
			continue
		}

		out, err := s.chat.Send(r.Context(), chat.SendInput{
			SessionID: req.SessionID,
			UserID:    defaultUserID(req.UserID),
			Message:   req.Message,
			Profile:   req.Profile,
		}, func(step reasoning.Step) {
			writeFrame(wsStepFrame{Type: wsTypeStep, Step: step})
		})
		if err != nil {
			if !writeFrame(wsErrorFrame{Type: wsTypeError, Code: chatErrorCode(err), Error: err.Error()}) {
				return
			}
			continue
		}
		if !writeFrame(wsReplyFrame{Type: wsTypeReply, SendOutput: out}) {
			return
		}
	}
}
