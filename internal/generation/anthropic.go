package generation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic generates answers with the Messages API.
type Anthropic struct {
	client      sdk.Client
	model       string
	maxTokens   int64
	temperature float64
}

type AnthropicConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int64
	Temperature float64
}

// NewAnthropic builds a generator. Extra options are appended after the API
// key, which lets tests point the client at a local server.
func NewAnthropic(cfg AnthropicConfig, opts ...option.RequestOption) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic generator requires an API key")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	all := append([]option.RequestOption{option.WithAPIKey(cfg.APIKey)}, opts...)
	return &Anthropic{
		client:      sdk.NewClient(all...),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

func (a *Anthropic) Complete(ctx context.Context, p Prompt) (Completion, error) {
	params := sdk.MessageNewParams{
		Model:       sdk.Model(a.model),
		MaxTokens:   a.maxTokens,
		Messages:    []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(p.User))},
		Temperature: sdk.Float(a.temperature),
	}
	if p.System != "" {
		params.System = []sdk.TextBlockParam{{Text: p.System}}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return Completion{}, fmt.Errorf("anthropic: create message: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return Completion{
		Text:         strings.TrimSpace(text.String()),
		Model:        string(msg.Model),
		StopReason:   string(msg.StopReason),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}, nil
}

func (a *Anthropic) Describe() map[string]string {
	return map[string]string{
		"provider":    "anthropic",
		"model":       a.model,
		"max_tokens":  strconv.FormatInt(a.maxTokens, 10),
		"temperature": strconv.FormatFloat(a.temperature, 'f', -1, 64),
	}
}
