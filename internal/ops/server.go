package ops

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"molva/internal/relay"
	"molva/internal/store"
)

// Server exposes the operational endpoints on a separate listener, kept
// off the relay port so health checks never compete with websocket traffic.
type Server struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewServer(r *relay.Relay, st store.Store, addr string) *Server {
	router := newRouter(NewOpsHandler(r, st))

	if addr == "" {
		addr = "localhost:8081"
	}

	return &Server{
		server: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
	}
}

func newRouter(handler *OpsHandler) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", handler.HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/active-users", handler.ActiveUsersHandler).Methods(http.MethodGet)
	router.HandleFunc("/typing-status", handler.TypingStatusHandler).Methods(http.MethodGet)
	router.HandleFunc("/conversations/{id}/history", handler.HistoryHandler).Methods(http.MethodGet)
	router.HandleFunc("/conversations/{id}/read-state", handler.ReadStateHandler).Methods(http.MethodGet)
	return router
}

func (s *Server) Start() error {
	log.Printf("Ops API started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
