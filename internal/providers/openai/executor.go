package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/arbiterlabs/dispatch/internal/providers"
	"github.com/arbiterlabs/dispatch/internal/types"
)

// Config holds OpenAI-specific configuration.
type Config struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	OrgID   string        `yaml:"org_id"`
	Timeout time.Duration `yaml:"timeout"`
}

// Executor adapts the OpenAI chat API to the engine's execution contract.
type Executor struct {
	client *openai.Client
	config *Config
	logger *logrus.Logger
}

// NewExecutor creates an OpenAI executor.
func NewExecutor(config *Config, logger *logrus.Logger) *Executor {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.OrgID != "" {
		clientConfig.OrgID = config.OrgID
	}

	return &Executor{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		logger: logger,
	}
}

// Family implements providers.Executor.
func (e *Executor) Family() string {
	return "openai"
}

// Execute implements providers.Executor.
func (e *Executor) Execute(ctx context.Context, providerID, model string, req *types.ChatRequest) (*types.ProviderResponse, error) {
	start := time.Now()

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Text},
		},
	})
	if err != nil {
		e.logger.WithError(err).WithField("provider", providerID).Error("OpenAI call failed")
		return nil, e.classify(providerID, err)
	}

	if len(resp.Choices) == 0 {
		return nil, &providers.ExecError{
			Kind:     providers.KindModelRefusal,
			Provider: providerID,
			Err:      fmt.Errorf("response contained no choices"),
		}
	}

	choice := resp.Choices[0]
	if strings.TrimSpace(choice.Message.Content) == "" || choice.FinishReason == openai.FinishReasonContentFilter {
		return nil, &providers.ExecError{
			Kind:     providers.KindModelRefusal,
			Provider: providerID,
			Err:      fmt.Errorf("output filtered or empty (finish reason %s)", choice.FinishReason),
		}
	}

	return &types.ProviderResponse{
		Provider:     providerID,
		Model:        model,
		Text:         choice.Message.Content,
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
		FinishReason: string(choice.FinishReason),
		Latency:      time.Since(start),
	}, nil
}

// classify maps SDK errors onto the engine's failure taxonomy.
func (e *Executor) classify(providerID string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		kind := providers.KindProviderFailure
		switch {
		case apiErr.HTTPStatusCode == 429:
			kind = providers.KindBudgetEnforcement
		case apiErr.HTTPStatusCode == 400 && strings.Contains(strings.ToLower(apiErr.Message), "content"):
			kind = providers.KindModelRefusal
		}
		return &providers.ExecError{
			Kind:       kind,
			Provider:   providerID,
			StatusCode: apiErr.HTTPStatusCode,
			Err:        err,
		}
	}

	// Transport errors, timeouts and anything unrecognized stay in the
	// transient provider-failure class.
	return &providers.ExecError{
		Kind:     providers.KindProviderFailure,
		Provider: providerID,
		Err:      err,
	}
}
