package cutibot

import (
	"context"
	"errors"
	"fmt"
	"google.golang.org/genai"
	"net/http"
	"strings"
)

const modelProviderGemini = "gemini"

var errEmptyCandidates = errors.New("no candidates returned (check safety filters)")

// geminiContentGenerator is the subset of *genai.Models used here
type geminiContentGenerator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

type geminiGenerator struct {
	models geminiContentGenerator
	model  string
}

func newGeminiGenerator(
	ctx context.Context,
	cfg *ModelConfig,
	httpClient *http.Client,
) (*geminiGenerator, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.Token,
		Backend: genai.BackendGeminiAPI,
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &geminiGenerator{models: client.Models, model: cfg.ModelName()}, nil
}

func (g *geminiGenerator) Provider() string {
	return modelProviderGemini
}

func (g *geminiGenerator) Model() string {
	return g.model
}

func (g *geminiGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Candidates) == 0 ||
		resp.Candidates[0].Content == nil ||
		len(resp.Candidates[0].Content.Parts) == 0 {
		return "", errEmptyCandidates
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}
	return b.String(), nil
}
