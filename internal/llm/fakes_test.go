package llm

import (
	"context"
	"sync"

	"github.com/tmc/langchaingo/llms"
)

// fakeChat is an llms.Model that records messages and returns a fixed reply.
type fakeChat struct {
	mu      sync.Mutex
	calls   [][]llms.MessageContent
	reply   string
	noReply bool
	err     error
}

func (f *fakeChat) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, messages)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.noReply {
		return &llms.ContentResponse{}, nil
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeChat) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

// fakeVision returns a fixed answer and counts calls.
type fakeVision struct {
	mu     sync.Mutex
	answer string
	err    error
	calls  int
	last   string
}

func (f *fakeVision) Describe(ctx context.Context, image []byte, mimeType, question string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = question
	return f.answer, f.err
}

// fakeSpeech returns fixed audio bytes.
type fakeSpeech struct {
	mu       sync.Mutex
	data     []byte
	mimeType string
	err      error
	texts    []string
	voice    string
}

func (f *fakeSpeech) Synthesize(ctx context.Context, text, voice string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	f.voice = voice
	if f.err != nil {
		return nil, "", f.err
	}
	return f.data, f.mimeType, nil
}
