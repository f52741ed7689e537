package ws

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"chat-gateway/internal/models"
)

func exceptionFrame(id, event, message string) models.OutboundFrame {
	return models.OutboundFrame{
		Event: models.EventException,
		ID:    id,
		Data:  models.ExceptionPayload{Status: "error", Message: message, Event: event},
	}
}

// writeFrameNow writes directly to the socket. Only valid before the write
// pump starts.
func writeFrameNow(conn *websocket.Conn, frame models.OutboundFrame, writeWait time.Duration) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func closeWith(conn *websocket.Conn, code int, reason string, writeWait time.Duration) {
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	conn.Close()
}

func originChecker(allowed []string) func(r *http.Request) bool {
	allowAll := len(allowed) == 0
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			allowAll = true
		}
		set[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if allowAll || origin == "" {
			return true
		}
		_, ok := set[strings.TrimRight(origin, "/")]
		return ok
	}
}
