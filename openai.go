package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

const maxErrorBody = 4096

// Sampling holds the optional generation parameters. Nil fields are left out of the request.
type Sampling struct {
	Temperature      *float64
	MaxTokens        *int
	TopP             *float64
	TopK             *int
	FrequencyPenalty *float64
	PresencePenalty  *float64
}

type ChatRequest struct {
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	Temperature      *float64  `json:"temperature,omitempty"`
	MaxTokens        *int      `json:"max_tokens,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	TopK             *int      `json:"top_k,omitempty"`
	FrequencyPenalty *float64  `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64  `json:"presence_penalty,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatResponse struct {
	ID      string   `json:"id,omitempty"`
	Model   string   `json:"model,omitempty"`
	Choices []Choice `json:"choices"`
}

type Choice struct {
	Index   int     `json:"index"`
	Message Message `json:"message"`
}

func (e *Engine) newChatRequest(model, prompt string) ChatRequest {
	return ChatRequest{
		Model: model,
		Messages: []Message{
			{Role: "system", Content: e.systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature:      e.sampling.Temperature,
		MaxTokens:        e.sampling.MaxTokens,
		TopP:             e.sampling.TopP,
		TopK:             e.sampling.TopK,
		FrequencyPenalty: e.sampling.FrequencyPenalty,
		PresencePenalty:  e.sampling.PresencePenalty,
	}
}

// complete performs one completion request against one model.
func (e *Engine) complete(ctx context.Context, model, prompt string) (string, error) {
	payload, err := json.Marshal(e.newChatRequest(model, prompt))
	if err != nil {
		return "", &ModelError{Model: model, Kind: MalformedResponse, Err: errors.Wrap(err, "failed to encode request")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", &ModelError{Model: model, Kind: NetworkFailure, Err: errors.Wrap(err, "failed to create request")}
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", e.apiKey))
	req.Header.Set("Content-Type", "application/json")

	res, err := e.client.Do(req)
	if err != nil {
		return "", &ModelError{Model: model, Kind: NetworkFailure, Err: errors.Wrap(err, "failed to send request")}
	}
	defer res.Body.Close()

	e.log.Debug("completion API response", "model", model, "status", res.StatusCode)

	switch res.StatusCode {
	case http.StatusOK:
		var body ChatResponse
		if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
			return "", &ModelError{Model: model, Kind: MalformedResponse, Status: res.StatusCode, Err: errors.Wrap(err, "failed to parse response")}
		}
		if len(body.Choices) == 0 {
			return "", &ModelError{Model: model, Kind: NoChoices, Status: res.StatusCode}
		}
		return body.Choices[0].Message.Content, nil
	case http.StatusTooManyRequests:
		return "", &ModelError{Model: model, Kind: RateLimited, Status: res.StatusCode}
	case http.StatusNotFound:
		return "", &ModelError{Model: model, Kind: NotFoundOrPolicyRestricted, Status: res.StatusCode}
	case http.StatusUnauthorized:
		return "", &ModelError{Model: model, Kind: Unauthorized, Status: res.StatusCode}
	case http.StatusBadRequest:
		return "", &ModelError{Model: model, Kind: BadRequest, Status: res.StatusCode, Body: readBody(res.Body)}
	case http.StatusInternalServerError:
		return "", &ModelError{Model: model, Kind: UpstreamServerError, Status: res.StatusCode}
	default:
		return "", &ModelError{Model: model, Kind: UnexpectedStatus, Status: res.StatusCode, Body: readBody(res.Body)}
	}
}

func readBody(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return string(body)
}
