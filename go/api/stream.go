package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	// pingInterval keeps idle shop-floor connections alive through proxies.
	pingInterval = 15 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Tablets on the shop floor connect from a different origin than the API.
	CheckOrigin: func(*http.Request) bool { return true },
}

// stream upgrades the connection and forwards live events until the client
// goes away or falls too far behind (its bus channel closes on cancel).
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	var conn, err = upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("err", err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	var events, cancel = s.bus.Subscribe()
	defer cancel()

	// Reader: drain and surface the close. Clients send nothing meaningful.
	var closed = make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var ping = time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err = conn.WriteJSON(evt); err != nil {
				log.WithFields(log.Fields{"remote": conn.RemoteAddr(), "err": err}).
					Debug("dropping live stream subscriber")
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err = conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
