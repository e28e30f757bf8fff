package http

import (
	"log"
	"net/http"

	"quiz-attempt-service/internal/app"
	"github.com/gorilla/websocket"
)

// WSHandler streams a user's completion events to dashboard clients. The feed
// is subscribe-only: all mutations go through the REST API, so the socket
// never writes state.
type WSHandler struct {
	broker   *app.ProgressBroker
	upgrader websocket.Upgrader
}

func NewWSHandler(broker *app.ProgressBroker) *WSHandler {
	return &WSHandler{
		broker: broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

// ServeWS upgrades the request and pushes attemptCompleted events for the
// requested user until the client disconnects.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "missing userId", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	events, cancel := h.broker.Subscribe(userID)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for event := range events {
			if err := conn.WriteJSON(outboundMessage[any]{Type: "attemptCompleted", Payload: event}); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}()

	// Read pump: the client sends nothing meaningful; reading detects close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	cancel()
	<-writerDone
}
