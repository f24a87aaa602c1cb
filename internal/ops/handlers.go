package ops

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"molva/internal/content"
	"molva/internal/models"
	"molva/internal/relay"
	"molva/internal/store"
)

type OpsHandler struct {
	relay *relay.Relay
	store store.Store
}

func NewOpsHandler(r *relay.Relay, st store.Store) *OpsHandler {
	return &OpsHandler{relay: r, store: st}
}

type HealthResponse struct {
	Status        string `json:"status"`
	ActiveUsers   int    `json:"activeUsers"`
	Conversations int    `json:"conversations"`
	TypingUsers   int    `json:"typingUsers"`
	Timestamp     string `json:"timestamp"`
}

type ActiveUsersResponse struct {
	ActiveUsers []string `json:"activeUsers"`
	Count       int      `json:"count"`
}

type TypingStatusResponse struct {
	TypingUsers map[string][]string `json:"typingUsers"`
	Timestamp   string              `json:"timestamp"`
}

type HistoryResponse struct {
	ConversationID string           `json:"conversationId"`
	Messages       []models.Message `json:"messages"`
	Count          int              `json:"count"`
}

type ReadStateResponse struct {
	ConversationID string                  `json:"conversationId"`
	Checkpoints    []models.ReadCheckpoint `json:"checkpoints"`
}

func (h *OpsHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	stats := h.relay.Stats()
	writeJSON(w, HealthResponse{
		Status:        "ok",
		ActiveUsers:   stats.ActiveUsers,
		Conversations: stats.Conversations,
		TypingUsers:   stats.TypingUsers,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *OpsHandler) ActiveUsersHandler(w http.ResponseWriter, r *http.Request) {
	users := h.relay.OnlineUsers()
	writeJSON(w, ActiveUsersResponse{
		ActiveUsers: users,
		Count:       len(users),
	})
}

func (h *OpsHandler) TypingStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, TypingStatusResponse{
		TypingUsers: h.relay.TypingStatus(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	})
}

// HistoryHandler reads a conversation's persisted messages straight from the
// durable store. The relay never sees this path.
func (h *OpsHandler) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]
	if err := content.ValidateID(conversationID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	msgs, err := h.store.QueryHistory(r.Context(), conversationID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, HistoryResponse{
		ConversationID: conversationID,
		Messages:       msgs,
		Count:          len(msgs),
	})
}

func (h *OpsHandler) ReadStateHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]
	if err := content.ValidateID(conversationID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	checkpoints, err := h.store.ReadCheckpoints(r.Context(), conversationID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if checkpoints == nil {
		checkpoints = []models.ReadCheckpoint{}
	}
	writeJSON(w, ReadStateResponse{
		ConversationID: conversationID,
		Checkpoints:    checkpoints,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		_ = err
	}
}
