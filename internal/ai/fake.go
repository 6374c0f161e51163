package ai

import (
	"context"
	"fmt"
	"sync"
)

// FakeDescriber returns a fixed description and counts calls.
type FakeDescriber struct {
	Model            string
	Text             string
	PromptTokens     int64
	CompletionTokens int64
	Err              error

	mu    sync.Mutex
	calls int
}

func (f *FakeDescriber) Describe(_ context.Context, req DescribeRequest) (*Description, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	text := f.Text
	if text == "" {
		text = fmt.Sprintf("An image (%d bytes) described as %q.", len(req.Image), req.AltText)
	}
	return &Description{
		Text:             text,
		Model:            f.Model,
		PromptTokens:     f.PromptTokens,
		CompletionTokens: f.CompletionTokens,
	}, nil
}

// Calls returns how many times Describe ran.
func (f *FakeDescriber) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// FakeTranscriber returns a fixed transcript and counts calls.
type FakeTranscriber struct {
	Model string
	Text  string
	Err   error

	mu    sync.Mutex
	calls int
}

func (f *FakeTranscriber) Transcribe(_ context.Context, req TranscribeRequest) (*Transcript, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	text := f.Text
	if text == "" {
		text = "transcript of " + req.Filename
	}
	return &Transcript{Text: text, Model: f.Model}, nil
}

// Calls returns how many times Transcribe ran.
func (f *FakeTranscriber) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
