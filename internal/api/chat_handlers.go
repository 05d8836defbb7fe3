package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/typhoon-chat/server/internal/core"
	"github.com/typhoon-chat/server/internal/store"
)

type CreateSessionRequest struct {
	Title string `json:"title"`
}

func (h *APIHandler) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())

	var req CreateSessionRequest
	if r.Body != http.NoBody {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	session, err := h.chat.CreateSession(userID, req.Title)
	if err != nil {
		log.Printf("Error creating session for user %d: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *APIHandler) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	skip := queryInt(r, "skip", 0)
	limit := queryInt(r, "limit", 50)

	sessions, err := h.chat.ListSessions(userID, skip, limit)
	if err != nil {
		log.Printf("Error listing sessions for user %d: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

type SessionDetailResponse struct {
	*store.Session
	Messages []store.Message `json:"messages"`
}

func (h *APIHandler) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	session, messages, err := h.chat.GetSessionWithMessages(sessionID, userID)
	if err != nil {
		h.writeSessionError(w, err, userID, sessionID)
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, SessionDetailResponse{Session: session, Messages: messages})
}

type UpdateSessionRequest struct {
	Title string `json:"title"`
}

func (h *APIHandler) UpdateSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	var req UpdateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	session, err := h.chat.RenameSession(sessionID, userID, req.Title)
	if err != nil {
		h.writeSessionError(w, err, userID, sessionID)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *APIHandler) DeleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.chat.DeleteSession(sessionID, userID); err != nil {
		h.writeSessionError(w, err, userID, sessionID)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type StreamRequest struct {
	Model             string  `json:"model"`
	OutputLength      int     `json:"outputLength"`
	Temperature       float64 `json:"temperature"`
	TopP              float64 `json:"topP"`
	TopK              int     `json:"topK"`
	RepetitionPenalty float64 `json:"repetitionPenalty"`
	Content           string  `json:"content"`
}

func (req *StreamRequest) applyDefaults() {
	if req.Model == "" {
		req.Model = "gemini-1.5-flash-latest"
	}
	if req.OutputLength == 0 {
		req.OutputLength = 512
	}
	if req.Temperature == 0 {
		req.Temperature = 0.7
	}
	if req.TopP == 0 {
		req.TopP = 0.7
	}
	if req.TopK == 0 {
		req.TopK = 50
	}
	if req.RepetitionPenalty == 0 {
		req.RepetitionPenalty = 1.0
	}
}

// StreamChatHandler runs one chat turn over SSE. Session lookup failures
// are reported as regular HTTP errors; once streaming has begun the status
// is already 200, so generation failures arrive in-band as a terminal
// `event: error` frame.
func (h *APIHandler) StreamChatHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	var req StreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "message content cannot be empty")
		return
	}
	req.applyDefaults()

	session, err := h.chat.GetSession(sessionID, userID)
	if err != nil {
		h.writeSessionError(w, err, userID, sessionID)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	turn := core.TurnRequest{
		Model:   req.Model,
		Content: req.Content,
		Params: core.SamplingParams{
			MaxTokens:         req.OutputLength,
			Temperature:       req.Temperature,
			TopP:              req.TopP,
			TopK:              req.TopK,
			RepetitionPenalty: req.RepetitionPenalty,
		},
	}

	err = h.chat.StreamTurn(r.Context(), session, turn, func(chunk string) error {
		payload, err := json.Marshal(map[string]string{"content": chunk})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		log.Printf("Stream turn failed for session %s: %v", sessionID, err)
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		// Best effort: if the client is gone this write fails silently.
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
		flusher.Flush()
	}
}

type FeedbackRequest struct {
	FeedbackType string `json:"feedbackType"`
}

func (h *APIHandler) MessageFeedbackHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	messageID := chi.URLParam(r, "messageID")

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.FeedbackType != store.FeedbackUpvote && req.FeedbackType != store.FeedbackDownvote {
		writeError(w, http.StatusBadRequest, "feedbackType must be upvote or downvote")
		return
	}

	feedback, err := h.chat.SetFeedback(messageID, userID, req.FeedbackType)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "message not found")
		case errors.Is(err, store.ErrForeignKey):
			writeError(w, http.StatusBadRequest, "related entity does not exist")
		default:
			log.Printf("Error setting feedback for message %s by user %d: %v", messageID, userID, err)
			writeError(w, http.StatusInternalServerError, "failed to set feedback")
		}
		return
	}
	writeJSON(w, http.StatusOK, feedback)
}

func (h *APIHandler) SessionMetricsHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	metrics, err := h.chat.SessionMetrics(sessionID, userID)
	if err != nil {
		h.writeSessionError(w, err, userID, sessionID)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (h *APIHandler) writeSessionError(w http.ResponseWriter, err error, userID int64, sessionID string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, store.ErrForeignKey):
		writeError(w, http.StatusBadRequest, "related entity does not exist")
	default:
		log.Printf("Session operation failed for user %d, session %s: %v", userID, sessionID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
