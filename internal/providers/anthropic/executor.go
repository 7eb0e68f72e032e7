package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/arbiterlabs/dispatch/internal/providers"
	"github.com/arbiterlabs/dispatch/internal/types"
)

// Config holds Anthropic-specific configuration.
type Config struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Executor adapts the Anthropic messages API to the engine's execution
// contract.
type Executor struct {
	client *anthropic.Client
	config *Config
	logger *logrus.Logger
}

// NewExecutor creates an Anthropic executor.
func NewExecutor(config *Config, logger *logrus.Logger) *Executor {
	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	return &Executor{
		client: &client,
		config: config,
		logger: logger,
	}
}

// Family implements providers.Executor.
func (e *Executor) Family() string {
	return "anthropic"
}

const maxOutputTokens = 4096

// Execute implements providers.Executor.
func (e *Executor) Execute(ctx context.Context, providerID, model string, req *types.ChatRequest) (*types.ProviderResponse, error) {
	start := time.Now()

	resp, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxOutputTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Text)),
		},
	})
	if err != nil {
		e.logger.WithError(err).WithField("provider", providerID).Error("Anthropic call failed")
		return nil, e.classify(providerID, err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" || resp.StopReason == "refusal" {
		return nil, &providers.ExecError{
			Kind:     providers.KindModelRefusal,
			Provider: providerID,
			Err:      fmt.Errorf("output filtered or empty (stop reason %s)", resp.StopReason),
		}
	}

	return &types.ProviderResponse{
		Provider:     providerID,
		Model:        model,
		Text:         text.String(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		FinishReason: string(resp.StopReason),
		Latency:      time.Since(start),
	}, nil
}

// classify maps SDK errors onto the engine's failure taxonomy.
func (e *Executor) classify(providerID string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		kind := providers.KindProviderFailure
		if apiErr.StatusCode == 429 {
			kind = providers.KindBudgetEnforcement
		}
		return &providers.ExecError{
			Kind:       kind,
			Provider:   providerID,
			StatusCode: apiErr.StatusCode,
			Err:        err,
		}
	}

	return &providers.ExecError{
		Kind:     providers.KindProviderFailure,
		Provider: providerID,
		Err:      err,
	}
}
