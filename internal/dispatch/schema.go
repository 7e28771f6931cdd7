// Request/response schemas for the dispatcher's three inference endpoints.
package dispatch

import (
	"encoding/json"
	"fmt"
)

// stringOrSlice decodes an OpenAI field that may be either a bare string or
// an array of strings (e.g. "stop", "prompt", "input").
type stringOrSlice []string

func (s *stringOrSlice) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*s = many
		return nil
	}
	return fmt.Errorf("expected a string or array of strings")
}

type messageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type chatRequestBody struct {
	Model       string        `json:"model"`
	Messages    []messageBody `json:"messages"`
	Stream      bool          `json:"stream"`
	MaxTokens   *int          `json:"max_tokens"`
	Temperature *float64      `json:"temperature"`
	TopP        *float64      `json:"top_p"`
	Seed        *int64        `json:"seed"`
	Stop        stringOrSlice `json:"stop"`
}

type completionRequestBody struct {
	Model       string          `json:"model"`
	Prompt      json.RawMessage `json:"prompt"`
	Stream      bool            `json:"stream"`
	MaxTokens   *int            `json:"max_tokens"`
	Temperature *float64        `json:"temperature"`
	TopP        *float64        `json:"top_p"`
	Seed        *int64          `json:"seed"`
	Stop        stringOrSlice   `json:"stop"`
}

type embeddingRequestBody struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

// promptStrings decodes the raw prompt field into its string entries and
// reports whether the client sent an array form (needed because array
// prompts routed to Ollama must be rejected, while OpenAI-native backends
// accept them).
func promptStrings(raw json.RawMessage) (values []string, wasArray bool, err error) {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, false, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many, true, nil
	}
	return nil, false, fmt.Errorf("prompt must be a string or array of strings")
}

// inputStrings decodes the embeddings "input" field, which may be a
// string or an array of strings.
func inputStrings(raw json.RawMessage) ([]string, error) {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many, nil
	}
	return nil, fmt.Errorf("input must be a string or array of strings")
}
