package narrative

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/malbeclabs/netintel/intel/internal/domain"
)

const systemPrompt = `You explain network monitoring anomalies to operators.
Answer in one or two plain sentences. Do not speculate about causes you were not given.
Never invent numbers.`

// Anthropic narrates using the Messages API.
type Anthropic struct {
	log       *slog.Logger
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropic creates a narrator. An empty apiKey falls back to the SDK's
// environment lookup.
func NewAnthropic(log *slog.Logger, apiKey string, model anthropic.Model, maxTokens int64) *Anthropic {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = anthropic.ModelClaude3_5Haiku20241022
	}
	if maxTokens <= 0 {
		maxTokens = 256
	}
	return &Anthropic{
		log:       log,
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (a *Anthropic) Narrate(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System: []anthropic.TextBlockParam{
			{Type: "text", Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(Prompt(req))),
		},
	})
	if err != nil {
		a.log.Warn("Anthropic API call failed", "duration", time.Since(start), "error", err)
		return "", fmt.Errorf("anthropic API error: %w", err)
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", errors.New("no text content in response")
}

// Prompt renders req. It is the only text sent to the model.
func Prompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Anomaly kind: %s\n", req.Kind)
	fmt.Fprintf(&b, "Severity: %s\n", req.Severity)
	fmt.Fprintf(&b, "Magnitude: %.2f\n", req.Magnitude)
	if !req.Features.IsZero() {
		b.WriteString("Recent anomaly mix:")
		for _, k := range domain.AnomalyKinds {
			fmt.Fprintf(&b, " %s=%.2f", k, req.Features.Get(k))
		}
		b.WriteString("\n")
	}
	b.WriteString("Explain what this means for the operator.")
	return b.String()
}
