package cutibot

import (
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Generator produces a completion for a prompt. Implementations wrap a
// specific provider's API.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Provider() string
	Model() string
}

// newGenerator returns the Generator for the configured provider
func newGenerator(
	ctx context.Context,
	cfg *ModelConfig,
	httpClient *http.Client,
) (Generator, error) {
	switch cfg.Provider {
	case modelProviderOpenAI:
		return newOpenAIGenerator(cfg, httpClient), nil
	case modelProviderGemini, "":
		return newGeminiGenerator(ctx, cfg, httpClient)
	default:
		return nil, fmt.Errorf("unsupported model provider: %q", cfg.Provider)
	}
}

// ModelClient sends prompts to a Generator, paced by a RequestGovernor.
// Every failure is reported as ErrModelUnavailable.
type ModelClient struct {
	generator Generator
	governor  *RequestGovernor
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *botMetrics

	// if set, each call is saved as a ModelCallLog
	db DBI

	// tracks pending ModelCallLog writes
	wg sync.WaitGroup
}

func newModelClient(
	generator Generator,
	governor *RequestGovernor,
	timeout time.Duration,
	logger *slog.Logger,
) *ModelClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelClient{
		generator: generator,
		governor:  governor,
		timeout:   timeout,
		logger:    logger,
	}
}

// Generate sends the prompt for the given user, waiting on the governor
// first. The returned error, if any, wraps ErrModelUnavailable.
func (m *ModelClient) Generate(ctx context.Context, userID string, prompt string) (
	string,
	error,
) {
	log := contextLoggerOr(ctx, m.logger)

	var reply string
	var started, ended time.Time
	entered := time.Now()

	err := m.governor.Do(
		ctx, func(ctx context.Context) error {
			started = time.Now()
			if m.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, m.timeout)
				defer cancel()
			}
			var callErr error
			reply, callErr = m.generator.Generate(ctx, prompt)
			ended = time.Now()
			return callErr
		},
	)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errEmptyReply
	}

	m.observe(started, entered, ended, err)

	if !started.IsZero() {
		m.saveCallLog(
			&ModelCallLog{
				UserID:         userID,
				Provider:       m.generator.Provider(),
				Model:          m.generator.Model(),
				RequestStarted: started.UnixMilli(),
				RequestEnded:   ended.UnixMilli(),
				GovernorWait:   started.Sub(entered).Milliseconds(),
				Prompt:         prompt,
				Response:       reply,
				Error:          errString(err),
			},
		)
	}

	if err != nil {
		log.WarnContext(
			ctx,
			"model call failed",
			"provider", m.generator.Provider(),
			"model", m.generator.Model(),
			tint.Err(err),
		)
		return "", fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}
	log.DebugContext(
		ctx,
		"model call completed",
		"provider", m.generator.Provider(),
		"duration", ended.Sub(started),
		"waited", started.Sub(entered),
	)
	return reply, nil
}

func (m *ModelClient) observe(started, entered, ended time.Time, err error) {
	if m.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.metrics.modelCalls.WithLabelValues(m.generator.Provider(), result).Inc()
	if !started.IsZero() {
		m.metrics.governorWait.Observe(started.Sub(entered).Seconds())
		m.metrics.modelCallDuration.Observe(ended.Sub(started).Seconds())
	}
}

func (m *ModelClient) saveCallLog(record *ModelCallLog) {
	if m.db == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.db.Create(context.Background(), record); err != nil {
			m.logger.Error("error saving model call log", tint.Err(err))
		}
	}()
}

// Wait blocks until pending ModelCallLog writes finish
func (m *ModelClient) Wait() {
	m.wg.Wait()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
