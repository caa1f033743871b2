package cutibot

import (
	"context"
	"errors"
	"github.com/sashabaranov/go-openai"
	"net/http"
)

const modelProviderOpenAI = "openai"

var errEmptyChoices = errors.New("no choices returned")

// OpenAIClient is the subset of *openai.Client used here
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)
}

type openAIGenerator struct {
	client OpenAIClient
	model  string
}

func newOpenAIGenerator(cfg *ModelConfig, httpClient *http.Client) *openAIGenerator {
	clientCfg := openai.DefaultConfig(cfg.Token)
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &openAIGenerator{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.ModelName(),
	}
}

func (o *openAIGenerator) Provider() string {
	return modelProviderOpenAI
}

func (o *openAIGenerator) Model() string {
	return o.model
}

func (o *openAIGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := o.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: o.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
		},
	)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyChoices
	}
	return resp.Choices[0].Message.Content, nil
}
