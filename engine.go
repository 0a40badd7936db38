package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

const (
	defaultEndpoint   = "https://openrouter.ai/api/v1/chat/completions"
	completionTimeout = 30 * time.Second
)

// Answerer produces an answer for a prompt. The DNS, SSH and HTTP servers only need this.
type Answerer interface {
	Query(ctx context.Context, prompt string) (string, error)
}

// Engine asks a chat completion API for an answer, falling back through an ordered list of
// models until one of them succeeds. It is immutable once built and safe for concurrent use.
type Engine struct {
	apiKey       string
	models       []string
	systemPrompt string
	sampling     Sampling
	endpoint     string
	client       *http.Client
	log          Logger
	hook         Hook
}

type EngineOption func(*Engine)

// WithEndpoint overrides the completion endpoint URL.
func WithEndpoint(url string) EngineOption {
	return func(e *Engine) { e.endpoint = url }
}

func WithSampling(s Sampling) EngineOption {
	return func(e *Engine) { e.sampling = s }
}

func WithHTTPClient(c *http.Client) EngineOption {
	return func(e *Engine) { e.client = c }
}

func WithEngineLogger(l Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

func WithEngineHook(h Hook) EngineOption {
	return func(e *Engine) { e.hook = h }
}

func NewEngine(apiKey string, models []string, systemPrompt string, opts ...EngineOption) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.Wrap(ErrInvalidConfiguration, "API key cannot be empty")
	}
	if len(models) == 0 {
		return nil, errors.Wrap(ErrInvalidConfiguration, ErrNoModels.Error())
	}

	e := &Engine{
		apiKey:       apiKey,
		models:       append([]string(nil), models...),
		systemPrompt: systemPrompt,
		endpoint:     defaultEndpoint,
		client:       &http.Client{Timeout: completionTimeout},
		log:          NopLogger(),
		hook:         NewNoopHook(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Models returns the fallback order.
func (e *Engine) Models() []string {
	return append([]string(nil), e.models...)
}

// Query tries each model in order and returns the first answer. When every model fails the
// error of the last attempt is returned; earlier failures are only logged.
func (e *Engine) Query(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", ErrEmptyPrompt
	}

	e.log.Debug("querying completion API", "prompt", prompt, "models", e.models)

	var lastErr error
	for i, model := range e.models {
		e.log.Debug("attempting model", "attempt", i+1, "of", len(e.models), "model", model)

		start := time.Now()
		answer, err := e.complete(ctx, model, prompt)
		if err == nil {
			e.hook.ModelAttempt(model, "ok", time.Since(start))
			e.log.Debug("model answered", "model", model, "bytes", len(answer))
			return answer, nil
		}

		outcome := "error"
		var me *ModelError
		if errors.As(err, &me) {
			outcome = me.Kind.String()
		}
		e.hook.ModelAttempt(model, outcome, time.Since(start))
		e.log.Error("model failed", "model", model, "error", err)

		lastErr = err
		if i < len(e.models)-1 {
			e.log.Debug("trying next model in fallback chain")
		}
	}

	e.log.Error("all models exhausted", "models", len(e.models))
	return "", errors.Wrap(lastErr, "all models failed")
}
