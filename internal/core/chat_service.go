package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/typhoon-chat/server/internal/store"
)

// ErrGeneration marks failures of the generation source or the client
// connection during a turn. The HTTP layer reports it in-band as a terminal
// SSE error event.
var ErrGeneration = errors.New("generation failed")

const defaultSessionTitle = "New Chat"

// ChatService owns the chat-turn state machine and the session operations
// around it.
type ChatService struct {
	store     *store.Store
	generator Generator
}

func NewChatService(db *store.Store, generator Generator) *ChatService {
	return &ChatService{
		store:     db,
		generator: generator,
	}
}

type TurnRequest struct {
	Model   string
	Content string
	Params  SamplingParams
}

// EmitFunc delivers one chunk to the client. Returning an error aborts the
// turn (the client is gone); delivery is best-effort and nothing beyond the
// running concatenation is buffered.
type EmitFunc func(chunk string) error

// StreamTurn runs one chat turn against an already-authorized session:
//
//  1. persist the user's message, so it survives any failure after this point
//  2. stream the completion, emitting each chunk as it arrives
//  3. persist the assembled assistant reply with its generation metrics
//
// Steps are strictly sequential. On any failure after step 1 the partial
// assistant content is discarded, not persisted: a failed turn leaves only
// the user's message in the session.
func (s *ChatService) StreamTurn(ctx context.Context, session *store.Session, req TurnRequest, emit EmitFunc) error {
	// History is captured before the new message so the prompt appears in
	// the generation context exactly once, appended last.
	history, err := s.store.GetMessagesBySessionID(session.ID)
	if err != nil {
		return fmt.Errorf("failed to load session history: %w", err)
	}

	start := time.Now()
	if _, err := s.store.CreateMessage(session.ID, store.SenderUser, req.Content, 0, 0, 0); err != nil {
		return fmt.Errorf("failed to store user message: %w", err)
	}

	turns := make([]ChatTurn, 0, len(history))
	for _, msg := range history {
		turns = append(turns, ChatTurn{Role: msg.Sender, Content: msg.Content})
	}

	stream, err := s.generator.StreamChat(ctx, StreamRequest{
		Model:   req.Model,
		History: turns,
		Prompt:  req.Content,
		Params:  req.Params,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	var content strings.Builder
	tokens := 0
	for {
		select {
		case <-ctx.Done():
			// Client disconnected or request cancelled: stop pulling
			// chunks and drop the partial content.
			return fmt.Errorf("%w: %v", ErrGeneration, ctx.Err())
		default:
		}

		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrGeneration, err)
		}
		if chunk == "" {
			continue
		}

		tokens++
		content.WriteString(chunk)
		if err := emit(chunk); err != nil {
			return fmt.Errorf("%w: %v", ErrGeneration, err)
		}
	}

	responseTimeMS := float64(time.Since(start)) / float64(time.Millisecond)
	tokensPerSecond := 0.0
	if responseTimeMS > 0 {
		tokensPerSecond = float64(tokens) / (responseTimeMS / 1000)
	}

	if _, err := s.store.CreateMessage(session.ID, store.SenderAssistant, content.String(), tokens, tokensPerSecond, responseTimeMS); err != nil {
		return fmt.Errorf("failed to store assistant message: %w", err)
	}

	if session.Title == "" || session.Title == defaultSessionTitle {
		go s.generateAndSaveTitle(session.ID, session.UserID, req.Content)
	}
	return nil
}

func (s *ChatService) generateAndSaveTitle(sessionID string, userID int64, basis string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	title, err := s.generator.GenerateTitle(ctx, basis)
	if err != nil {
		log.Printf("Failed to generate title for session %s: %v", sessionID, err)
		return
	}
	if _, err := s.store.UpdateSessionTitle(sessionID, userID, title); err != nil {
		log.Printf("Failed to save generated title %q for session %s: %v", title, sessionID, err)
	}
}

// Session operations. Ownership is enforced here by threading the caller's
// user id into every store lookup.

func (s *ChatService) CreateSession(userID int64, title string) (*store.Session, error) {
	return s.store.CreateSession(userID, title)
}

func (s *ChatService) ListSessions(userID int64, skip, limit int) ([]store.Session, error) {
	return s.store.GetSessionsByUserID(userID, skip, limit)
}

func (s *ChatService) GetSession(sessionID string, userID int64) (*store.Session, error) {
	return s.store.GetSession(sessionID, userID)
}

func (s *ChatService) GetSessionWithMessages(sessionID string, userID int64) (*store.Session, []store.Message, error) {
	session, err := s.store.GetSession(sessionID, userID)
	if err != nil {
		return nil, nil, err
	}
	messages, err := s.store.GetMessagesBySessionID(sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get messages for session: %w", err)
	}
	return session, messages, nil
}

func (s *ChatService) RenameSession(sessionID string, userID int64, title string) (*store.Session, error) {
	return s.store.UpdateSessionTitle(sessionID, userID, title)
}

func (s *ChatService) DeleteSession(sessionID string, userID int64) error {
	return s.store.DeleteSession(sessionID, userID)
}

// SetFeedback records a vote on a message after checking that the message
// belongs to one of the caller's sessions.
func (s *ChatService) SetFeedback(messageID string, userID int64, feedbackType string) (*store.Feedback, error) {
	msg, err := s.store.GetMessage(messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetSession(msg.SessionID, userID); err != nil {
		return nil, err
	}
	return s.store.UpsertFeedback(messageID, feedbackType)
}

func (s *ChatService) SessionMetrics(sessionID string, userID int64) (*store.SessionMetrics, error) {
	if _, err := s.store.GetSession(sessionID, userID); err != nil {
		return nil, err
	}
	return s.store.SessionMetrics(sessionID)
}
