package api

import (
	"encoding/json"
	"net/http"
	"time"

	"chatsync/pkg/auth"
	"chatsync/pkg/directory"
	"chatsync/pkg/logger"
	"chatsync/pkg/stream"
	"chatsync/pkg/telemetry"
	"chatsync/pkg/validation"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Live subscription endpoints. Each socket carries coalesced snapshots:
// after any observed change the client receives the current full state
// of what it watches, never a diff. Slow clients therefore skip
// intermediate states instead of lagging behind.

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 45 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// non-browser clients send no Origin header and pass; browser
	// upgrades must match the configured CORS origins
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return auth.OriginAllowed(origin, deps.AllowedOrigins)
	},
}

// readUntilClose consumes control frames and signals when the peer goes
// away. Client data frames are handled by onMsg when non-nil.
func readUntilClose(conn *websocket.Conn, onMsg func([]byte)) <-chan struct{} {
	done := make(chan struct{})
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if onMsg != nil {
				onMsg(data)
			}
		}
	}()
	return done
}

func writeJSONDeadline(conn *websocket.Conn, v interface{}) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(v)
}

func wsConversations(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	if err := validation.ValidateID("user", user); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws_upgrade_failed", "error", err)
		return
	}
	defer conn.Close()
	telemetry.WSConnections.Inc()
	defer telemetry.WSConnections.Dec()

	snaps, cancel := directory.Watch(r.Context(), user)
	defer cancel()
	done := readUntilClose(conn, nil)
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case convs, ok := <-snaps:
			if !ok {
				return
			}
			if err := writeJSONDeadline(conn, map[string]interface{}{"conversations": convs}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func wsMessages(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws_upgrade_failed", "error", err)
		return
	}
	defer conn.Close()
	telemetry.WSConnections.Inc()
	defer telemetry.WSConnections.Dec()

	snaps, cancel := stream.Watch(r.Context(), convID)
	defer cancel()
	done := readUntilClose(conn, nil)
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msgs, ok := <-snaps:
			if !ok {
				return
			}
			if err := writeJSONDeadline(conn, map[string]interface{}{"conversation": convID, "messages": msgs}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func wsPresence(w http.ResponseWriter, r *http.Request) {
	users := splitList(r.URL.Query().Get("users"))
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws_upgrade_failed", "error", err)
		return
	}
	defer conn.Close()
	telemetry.WSConnections.Inc()
	defer telemetry.WSConnections.Dec()

	watch := deps.Presence.Watch(users...)
	defer watch.Close()

	// clients may retarget the tracked set mid-connection
	done := readUntilClose(conn, func(data []byte) {
		var body struct {
			Users []string `json:"users"`
		}
		if err := json.Unmarshal(data, &body); err == nil && body.Users != nil {
			watch.SetUsers(body.Users)
		}
	})
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case snap, ok := <-watch.C:
			if !ok {
				return
			}
			if err := writeJSONDeadline(conn, map[string]interface{}{"presence": snap}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func wsTyping(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws_upgrade_failed", "error", err)
		return
	}
	defer conn.Close()
	telemetry.WSConnections.Inc()
	defer telemetry.WSConnections.Dec()

	watch := deps.Typing.Watch(convID)
	defer watch.Close()
	done := readUntilClose(conn, nil)
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case snap, ok := <-watch.C:
			if !ok {
				return
			}
			if err := writeJSONDeadline(conn, map[string]interface{}{"conversation": convID, "typing": snap}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
