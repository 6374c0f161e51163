package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/f4ah6o/site-snacker-go/internal/config"
)

// slogAdapter satisfies retryablehttp.Logger.
type slogAdapter struct {
	logger *slog.Logger
}

func (l *slogAdapter) Printf(format string, v ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// NewRetryClient builds the HTTP client used for provider calls. Rate
// limited responses are retried alongside the default policy.
func NewRetryClient(maxRetries int, logger *slog.Logger) *retryablehttp.Client {
	if logger == nil {
		logger = slog.Default()
	}
	client := retryablehttp.NewClient()
	client.RetryMax = maxRetries
	client.RetryWaitMin = 2 * time.Second
	client.RetryWaitMax = 30 * time.Second
	client.Logger = &slogAdapter{logger: logger}

	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		if retry || err != nil {
			return retry, err
		}
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return true, nil
		}
		return false, nil
	}
	return client
}

// OpenAI implements Describer and Transcriber against the OpenAI API or any
// compatible endpoint.
type OpenAI struct {
	client *openai.Client
	image  config.ImageConfig
	audio  config.AudioConfig
	logger *slog.Logger
}

// NewOpenAI creates a provider client from the loaded configuration.
func NewOpenAI(apiKey string, cfg *config.Config, logger *slog.Logger) *OpenAI {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(NewRetryClient(cfg.OpenAI.MaxRetries, logger).StandardClient()),
	}
	if cfg.OpenAI.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	return &OpenAI{
		client: openai.NewClient(opts...),
		image:  cfg.Processor.Image,
		audio:  cfg.Processor.Audio,
		logger: logger,
	}
}

// Describe sends the image inline as a data URL with a low detail hint.
func (o *OpenAI) Describe(ctx context.Context, req DescribeRequest) (*Description, error) {
	ctype := req.ContentType
	if ctype == "" || !strings.HasPrefix(ctype, "image/") {
		ctype = http.DetectContentType(req.Image)
	}
	dataURL := "data:" + ctype + ";base64," + base64.StdEncoding.EncodeToString(req.Image)
	prompt := RenderPrompt(o.image.Prompt, req.AltText)

	o.logger.Debug("describing image", "model", o.image.Model, "bytes", len(req.Image))

	completion, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: openai.F([]openai.ChatCompletionMessageParamUnion{
			openai.UserMessageParts(
				openai.TextPart(prompt),
				openai.ChatCompletionContentPartImageParam{
					Type: openai.F(openai.ChatCompletionContentPartImageTypeImageURL),
					ImageURL: openai.F(openai.ChatCompletionContentPartImageImageURLParam{
						URL:    openai.F(dataURL),
						Detail: openai.F(openai.ChatCompletionContentPartImageImageURLDetailLow),
					}),
				},
			),
		}),
		Model:     openai.F(openai.ChatModel(o.image.Model)),
		MaxTokens: openai.F(int64(o.image.MaxTokens)),
	})
	if err != nil {
		return nil, fmt.Errorf("vision request failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("vision request returned no choices")
	}

	return &Description{
		Text:             strings.TrimSpace(completion.Choices[0].Message.Content),
		Model:            o.image.Model,
		PromptTokens:     completion.Usage.PromptTokens,
		CompletionTokens: completion.Usage.CompletionTokens,
	}, nil
}

// Transcribe uploads the audio as a multipart file.
func (o *OpenAI) Transcribe(ctx context.Context, req TranscribeRequest) (*Transcript, error) {
	name := req.Filename
	if name == "" {
		name = "audio.mp3"
	}
	ctype := req.ContentType
	if ctype == "" {
		ctype = "audio/mpeg"
	}

	o.logger.Debug("transcribing audio", "model", o.audio.Model, "file", name, "bytes", len(req.Audio))

	params := openai.AudioTranscriptionNewParams{
		File:  openai.FileParam(bytes.NewReader(req.Audio), name, ctype),
		Model: openai.F(openai.AudioModel(o.audio.Model)),
	}
	if o.audio.Language != "" {
		params.Language = openai.F(o.audio.Language)
	}

	transcription, err := o.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("transcription request failed: %w", err)
	}
	return &Transcript{Text: strings.TrimSpace(transcription.Text), Model: o.audio.Model}, nil
}
