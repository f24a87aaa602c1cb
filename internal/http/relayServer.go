package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"molva/internal/relay"
)

type RelayServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewRelayServer(r *relay.Relay, addr string) *RelayServer {
	server := relay.NewServer(r)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &RelayServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *RelayServer) Start() error {
	log.Printf("Relay started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *RelayServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
