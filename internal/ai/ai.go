// Package ai wraps the vision and speech-to-text providers used to enrich
// media references.
package ai

import (
	"context"
	"strings"
)

// DescribeRequest is one image to describe.
type DescribeRequest struct {
	Image       []byte
	ContentType string
	AltText     string
}

// Description is the provider's answer plus token usage for costing.
type Description struct {
	Text             string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
}

// TranscribeRequest is one audio file to transcribe.
type TranscribeRequest struct {
	Audio       []byte
	Filename    string
	ContentType string
}

// Transcript is the transcription text.
type Transcript struct {
	Text  string
	Model string
}

// Describer produces a textual description of an image.
type Describer interface {
	Describe(ctx context.Context, req DescribeRequest) (*Description, error)
}

// Transcriber produces a transcript of an audio file.
type Transcriber interface {
	Transcribe(ctx context.Context, req TranscribeRequest) (*Transcript, error)
}

// RenderPrompt substitutes the {altText} placeholder.
func RenderPrompt(template, altText string) string {
	if altText == "" {
		altText = "none"
	}
	return strings.ReplaceAll(template, "{altText}", altText)
}
