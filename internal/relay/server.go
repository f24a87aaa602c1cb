package relay

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

// Server upgrades HTTP requests to websocket relay connections.
type Server struct {
	relay    *Relay
	upgrader *websocket.Upgrader
}

func NewServer(relay *Relay) *Server {
	return &Server{
		relay: relay,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	conn := NewConnection(s.relay, ws)
	if err := conn.Handle(r.Context()); err != nil {
		log.Printf("connection closed with error: %v", err)
	}
}
