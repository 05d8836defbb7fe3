package core

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/typhoon-chat/server/internal/store"
)

const (
	defaultChatModelName  = "gemini-1.5-flash-latest"
	defaultTitleModelName = "gemini-1.5-flash-latest"

	titleSystemInstruction = "You are a helpful assistant that generates concise titles for chat conversations. " +
		"The title should be 3-5 words maximum. Just return the title itself, nothing else."
)

// LLMService is the Gemini-backed Generator.
type LLMService struct {
	client *genai.Client
}

func NewLLMService(ctx context.Context, apiKey string) (*LLMService, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &LLMService{client: client}, nil
}

func (s *LLMService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			log.Printf("Error closing GenAI client: %v", err)
		}
	}
}

// StreamChat opens a streamed completion. The chunks arrive through the
// returned TokenStream; cancelling ctx tears the upstream call down.
func (s *LLMService) StreamChat(ctx context.Context, req StreamRequest) (TokenStream, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = defaultChatModelName
	}
	model := s.client.GenerativeModel(modelName)
	if req.Params.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.Params.MaxTokens))
	}
	model.SetTemperature(float32(req.Params.Temperature))
	model.SetTopP(float32(req.Params.TopP))
	if req.Params.TopK > 0 {
		model.SetTopK(int32(req.Params.TopK))
	}
	// RepetitionPenalty is accepted on the wire but the Gemini generation
	// config has no equivalent knob, so it is not forwarded.

	chat := model.StartChat()
	chat.History = make([]*genai.Content, 0, len(req.History))
	for _, turn := range req.History {
		role := "user"
		if turn.Role == store.SenderAssistant {
			role = "model"
		}
		chat.History = append(chat.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(turn.Content)},
		})
	}

	iter := chat.SendMessageStream(ctx, genai.Text(req.Prompt))
	return &geminiStream{iter: iter}, nil
}

type geminiStream struct {
	iter *genai.GenerateContentResponseIterator
}

func (s *geminiStream) Recv() (string, error) {
	for {
		resp, err := s.iter.Next()
		if err == iterator.Done {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("gemini stream failed: %w", err)
		}
		if text := responseText(resp); text != "" {
			return text, nil
		}
		// Some responses carry no text parts (e.g. safety metadata); skip.
	}
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}

// GenerateTitle asks the model for a short conversation title based on the
// first user message.
func (s *LLMService) GenerateTitle(ctx context.Context, basis string) (string, error) {
	model := s.client.GenerativeModel(defaultTitleModelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(titleSystemInstruction)},
	}
	model.SetTemperature(0.3)
	model.SetMaxOutputTokens(20)

	prompt := fmt.Sprintf("Generate a very concise title (3-5 words maximum) for a conversation that starts with: %q.", basis)
	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini title generation request failed: %w", err)
	}

	title := strings.Trim(responseText(resp), "\"'\n\r\t .")
	if title == "" {
		return "", fmt.Errorf("model generated an empty title")
	}
	return title, nil
}
