// Package cost estimates AI API spend for one pipeline run.
package cost

import (
	"fmt"
	"strings"
	"sync"

	"github.com/f4ah6o/site-snacker-go/internal/config"
	snackerrors "github.com/f4ah6o/site-snacker-go/internal/errors"
)

// bytesPerMinute is the size-based duration estimate used when the real
// length of an audio file is unknown.
const bytesPerMinute = 1024 * 1024

// Category groups calls for the summary.
type Category string

const (
	CategoryVision Category = "vision"
	CategoryAudio  Category = "audio"
)

// Call is one tracked API call.
type Call struct {
	Category         Category
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	Images           int
	DurationSeconds  float64
	Cost             float64
}

// Tracker accumulates costs in memory. It is safe for concurrent use.
type Tracker struct {
	pricing config.PricingConfig
	limits  config.CostTrackingConfig

	mu     sync.Mutex
	calls  []Call
	warned bool
}

// New creates a Tracker for the given price table and thresholds.
func New(pricing config.PricingConfig, limits config.CostTrackingConfig) *Tracker {
	return &Tracker{pricing: pricing, limits: limits}
}

// TrackVisionAPI records a vision call and returns its cost.
func (t *Tracker) TrackVisionAPI(model string, promptTokens, completionTokens int64, imageCount int) float64 {
	p := t.pricing.Vision
	c := float64(promptTokens)/1000*p.InputPer1K +
		float64(completionTokens)/1000*p.OutputPer1K +
		float64(imageCount)*p.PerImage

	t.record(Call{
		Category:         CategoryVision,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Images:           imageCount,
		Cost:             c,
	})
	return c
}

// TrackAudioAPI records a transcription of durationSeconds and returns its cost.
func (t *Tracker) TrackAudioAPI(model string, durationSeconds float64) float64 {
	if durationSeconds < 0 {
		durationSeconds = 0
	}
	c := durationSeconds / 60 * t.pricing.Audio.PerMinute

	t.record(Call{
		Category:        CategoryAudio,
		Model:           model,
		DurationSeconds: durationSeconds,
		Cost:            c,
	})
	return c
}

func (t *Tracker) record(c Call) {
	t.mu.Lock()
	t.calls = append(t.calls, c)
	t.mu.Unlock()
}

// EstimateAudioSeconds approximates a duration from a file size at one minute per MiB.
func EstimateAudioSeconds(size int) float64 {
	return float64(size) / bytesPerMinute * 60
}

// Calls returns a copy of the ledger.
func (t *Tracker) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// VisionTotal returns the vision subtotal.
func (t *Tracker) VisionTotal() float64 { return t.subtotal(CategoryVision) }

// AudioTotal returns the audio subtotal.
func (t *Tracker) AudioTotal() float64 { return t.subtotal(CategoryAudio) }

// Total returns the grand total.
func (t *Tracker) Total() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var sum float64
	for _, c := range t.calls {
		sum += c.Cost
	}
	return sum
}

func (t *Tracker) subtotal(cat Category) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var sum float64
	for _, c := range t.calls {
		if c.Category == cat {
			sum += c.Cost
		}
	}
	return sum
}

// Check enforces the configured thresholds. It returns warn=true the first
// time the warn threshold is crossed and an error once the stop threshold is reached.
func (t *Tracker) Check() (warn bool, err error) {
	if !t.limits.Enabled {
		return false, nil
	}
	total := t.Total()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limits.StopThreshold > 0 && total >= t.limits.StopThreshold {
		return false, snackerrors.NewCostLimit(total, t.limits.StopThreshold)
	}
	if t.limits.WarnThreshold > 0 && total >= t.limits.WarnThreshold && !t.warned {
		t.warned = true
		return true, nil
	}
	return false, nil
}

// Summary renders the ledger with per-category subtotals and the grand total.
func (t *Tracker) Summary() string {
	calls := t.Calls()

	var b strings.Builder
	b.WriteString("OpenAI API Usage Summary:\n")
	b.WriteString(strings.Repeat("-", 40) + "\n")

	var vision, audio float64
	imageN, audioN := 0, 0

	b.WriteString("\nImage Processing:\n")
	for _, c := range calls {
		if c.Category != CategoryVision {
			continue
		}
		imageN++
		vision += c.Cost
		fmt.Fprintf(&b, "  Image #%d:\n", imageN)
		fmt.Fprintf(&b, "    Model: %s\n", c.Model)
		fmt.Fprintf(&b, "    Tokens: %d prompt + %d completion\n", c.PromptTokens, c.CompletionTokens)
		fmt.Fprintf(&b, "    Cost: $%.4f\n", c.Cost)
	}
	if imageN == 0 {
		b.WriteString("  (none)\n")
	}
	fmt.Fprintf(&b, "  Subtotal: $%.4f\n", vision)

	b.WriteString("\nAudio Processing:\n")
	for _, c := range calls {
		if c.Category != CategoryAudio {
			continue
		}
		audioN++
		audio += c.Cost
		fmt.Fprintf(&b, "  Audio #%d:\n", audioN)
		fmt.Fprintf(&b, "    Model: %s\n", c.Model)
		fmt.Fprintf(&b, "    Duration: %.1f minutes\n", c.DurationSeconds/60)
		fmt.Fprintf(&b, "    Cost: $%.4f\n", c.Cost)
	}
	if audioN == 0 {
		b.WriteString("  (none)\n")
	}
	fmt.Fprintf(&b, "  Subtotal: $%.4f\n", audio)

	b.WriteString("\n" + strings.Repeat("-", 40) + "\n")
	fmt.Fprintf(&b, "Total Estimated Cost: $%.4f\n", vision+audio)
	return b.String()
}
