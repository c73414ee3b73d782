package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/RichardoC/searchchat/internal/agent"
	"github.com/RichardoC/searchchat/internal/db"
	"github.com/RichardoC/searchchat/internal/models"
	"github.com/RichardoC/searchchat/internal/stream"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Runner starts the decision loop for one user message.
type Runner interface {
	Run(ctx context.Context, conversationID, message string) (<-chan agent.Event, error)
}

type Handler struct {
	runner     Runner
	store      db.Store
	searchTool string
	logger     *zap.Logger
}

func NewHandler(runner Runner, store db.Store, searchTool string, logger *zap.Logger) *Handler {
	return &Handler{
		runner:     runner,
		store:      store,
		searchTool: searchTool,
		logger:     logger,
	}
}

type MessagesResponse struct {
	CheckpointID string           `json:"checkpoint_id"`
	Messages     []models.Message `json:"messages"`
}

// ChatStream answers GET /chat_stream/{message} with a stream of wire events.
// Failures after the headers are written are reported in-band, so the status
// is always 200.
func (h *Handler) ChatStream(w http.ResponseWriter, r *http.Request) {
	message := r.PathValue("message")
	checkpointID := r.URL.Query().Get("checkpoint_id")
	logger := h.logger.With(zap.String("checkpoint_id", checkpointID))
	sink := stream.NewWriter(w)

	if checkpointID != "" {
		if _, err := uuid.Parse(checkpointID); err != nil {
			logger.Info("Rejected invalid checkpoint id", zap.Error(err))
			tr := stream.NewTranslator(checkpointID, h.searchTool, stream.WithLogger(logger))
			if err := tr.Abort(fmt.Errorf("invalid checkpoint_id %q", checkpointID), sink); err != nil {
				logger.Debug("Failed to write error frame", zap.Error(err))
			}
			return
		}
	}

	tr := stream.NewTranslator(checkpointID, h.searchTool, stream.WithLogger(logger))
	logger = logger.With(zap.String("conversation_id", tr.CheckpointID()), zap.Bool("new_session", tr.NewSession()))

	events, err := h.runner.Run(r.Context(), tr.CheckpointID(), message)
	if err != nil {
		logger.Error("Failed to start conversation turn", zap.Error(err))
		if err := tr.Abort(err, sink); err != nil {
			logger.Debug("Failed to write error frame", zap.Error(err))
		}
		return
	}

	if err := tr.Run(r.Context(), events, sink); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("Client disconnected before the stream ended")
			return
		}
		logger.Warn("Stream interrupted", zap.Error(err))
		return
	}
	logger.Debug("Stream finished")
}

func (h *Handler) GetConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := h.store.Conversations(r.Context())
	if err != nil {
		h.logger.Error("Failed to get conversations",
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.Debug("Retrieved conversations", zap.Int("count", len(conversations)))
	h.writeJSON(w, conversations)
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	checkpointID := r.URL.Query().Get("checkpoint_id")
	if _, err := uuid.Parse(checkpointID); err != nil {
		http.Error(w, "Invalid checkpoint_id", http.StatusBadRequest)
		return
	}

	messages, err := h.store.History(r.Context(), checkpointID)
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to get messages", zap.Error(err), zap.String("checkpoint_id", checkpointID))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, MessagesResponse{CheckpointID: checkpointID, Messages: messages})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// Routes mounts every endpoint behind CORS and request logging.
func (h *Handler) Routes(allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /chat_stream/{message}", h.ChatStream)
	mux.HandleFunc("GET /api/conversations", h.GetConversations)
	mux.HandleFunc("GET /api/messages", h.GetMessages)
	mux.HandleFunc("GET /healthz", h.Health)
	return LogRequests(h.logger, CORS(allowedOrigins, mux))
}
