package proxy

import "github.com/kalambet/mentor/internal/engine"

// ChatRequest is the OpenAI-compatible chat completion request body.
type ChatRequest struct {
	Model          string           `json:"model"`
	Messages       []engine.Message `json:"messages"`
	ResponseFormat *ResponseFormat  `json:"response_format,omitempty"`
	Temperature    *float64         `json:"temperature,omitempty"`
}

// ResponseFormat asks the model for JSON output.
type ResponseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	ID      string   `json:"id"`
	Choices []choice `json:"choices"`
}

type choice struct {
	Message      engine.Message `json:"message"`
	FinishReason string         `json:"finish_reason,omitempty"`
}

// Model represents a model entry returned by the /v1/models endpoint.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// ModelList is the response from /v1/models.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
