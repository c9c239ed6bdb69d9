package clinicsync

import (
	"net/http"
	"strings"
	"time"

	"github.com/clinicsync/clinicsync/pkg/events"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleEvents streams hub events to a WebSocket client as JSON text
// messages. ?types=change,mode limits the stream to those kinds.
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	var kinds []events.Kind
	if v := r.URL.Query().Get("types"); v != "" {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				kinds = append(kinds, events.Kind(k))
			}
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Debug("event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	id, ch := a.hub.Subscribe(kinds...)
	defer a.hub.Unsubscribe(id)
	a.log.Debug("event stream opened", "subscriber_id", id, "remote", r.RemoteAddr)

	// The client never sends anything we use; reading only notices closes
	// and answers pings.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				a.log.Error("failed to encode event", "type", string(ev.Type), "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
