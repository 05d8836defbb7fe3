package core

import "context"

// ChatTurn is one prior message in the generation context. Role uses the
// store's sender values ("user" / "assistant"); providers map them to their
// own role names.
type ChatTurn struct {
	Role    string
	Content string
}

type SamplingParams struct {
	MaxTokens         int
	Temperature       float64
	TopP              float64
	TopK              int
	RepetitionPenalty float64
}

type StreamRequest struct {
	Model   string
	History []ChatTurn
	Prompt  string
	Params  SamplingParams
}

// TokenStream is a lazy, finite, non-restartable sequence of text chunks.
// Recv returns io.EOF after the last chunk and may fail with a transport
// error at any point. Abandoning the stream early is done by cancelling the
// context the stream was opened with.
type TokenStream interface {
	Recv() (string, error)
}

// Generator produces streamed completions and short conversation titles.
// The production implementation talks to Gemini; tests substitute fakes.
type Generator interface {
	StreamChat(ctx context.Context, req StreamRequest) (TokenStream, error)
	GenerateTitle(ctx context.Context, basis string) (string, error)
}
