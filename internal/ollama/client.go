// Package ollama provides a typed HTTP client for the Ollama API.
// The gateway's Ollama adapter uses this to talk to a real Ollama daemon;
// translation between the Ollama wire shapes and the OpenAI-compatible
// shapes the gateway exposes lives one layer up, in internal/adapter/ollama.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client wraps the Ollama HTTP API.
type Client struct {
	BaseURL    string
	httpClient *http.Client
}

// NewClient creates a new Ollama client pointing at baseURL (e.g. "http://ollama:11434").
// timeout is the http.Client timeout for every call made through this client,
// streaming calls included (it covers reading the whole streamed body); pass 0
// for no timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

// Model is a single entry from GET /api/tags.
type Model struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
	Details    struct {
		Format            string   `json:"format"`
		Family            string   `json:"family"`
		Families          []string `json:"families"`
		ParameterSize     string   `json:"parameter_size"`
		QuantizationLevel string   `json:"quantization_level"`
	} `json:"details"`
}

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatRequest maps to POST /api/chat.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  *Options  `json:"options,omitempty"`
	Stop     []string  `json:"stop,omitempty"`
}

// GenerateRequest maps to POST /api/generate.
type GenerateRequest struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	Stream  bool     `json:"stream"`
	Options *Options `json:"options,omitempty"`
	Stop    []string `json:"stop,omitempty"`
}

// EmbeddingsRequest maps to POST /api/embeddings.
type EmbeddingsRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// EmbeddingsResponse maps the response body of POST /api/embeddings.
type EmbeddingsResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Options holds the sampling parameters forwarded to Ollama. Omitted (zero)
// fields are left out of the marshaled JSON; callers only set fields the
// client actually supplied.
type Options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Seed        *int64   `json:"seed,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
}

// Empty reports whether every field is unset, in which case the adapter
// should omit the options object entirely rather than send `{}`.
func (o *Options) Empty() bool {
	return o == nil || (o.Temperature == nil && o.TopP == nil && o.Seed == nil && o.NumPredict == nil)
}

// ChatChunk is one newline-delimited JSON event from POST /api/chat (stream=true).
type ChatChunk struct {
	Model           string  `json:"model"`
	CreatedAt       string  `json:"created_at"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	DoneReason      string  `json:"done_reason,omitempty"`
	PromptEvalCount int     `json:"prompt_eval_count,omitempty"`
	EvalCount       int     `json:"eval_count,omitempty"`
}

// GenerateChunk is one newline-delimited JSON event from POST /api/generate (stream=true).
type GenerateChunk struct {
	Model           string `json:"model"`
	CreatedAt       string `json:"created_at"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
}

// VersionResponse maps to GET /api/version.
type VersionResponse struct {
	Version string `json:"version"`
}

// ---------------------------------------------------------------------------
// Methods
// ---------------------------------------------------------------------------

// Version fetches the Ollama server version from GET /api/version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var v VersionResponse
	if err := c.getJSON(ctx, "/api/version", &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

// ListModels returns all locally available models, unordered as returned by Ollama.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	var resp struct {
		Models []Model `json:"models"`
	}
	if err := c.getJSON(ctx, "/api/tags", &resp); err != nil {
		return nil, err
	}
	return resp.Models, nil
}

// Chat performs a single non-streaming chat call.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatChunk, error) {
	req.Stream = false
	var out ChatChunk
	if err := c.postJSON(ctx, "/api/chat", req, &out); err != nil {
		return ChatChunk{}, err
	}
	return out, nil
}

// ChatStream sends a chat request and streams ChatChunk events to the returned channel.
// The caller must drain the channel. Both channels close when the stream ends,
// the backend errors, or ctx is cancelled.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest) (<-chan ChatChunk, <-chan error) {
	ch := make(chan ChatChunk)
	errCh := make(chan error, 1)
	req.Stream = true

	go func() {
		defer close(ch)
		defer close(errCh)

		resp, err := c.doStream(ctx, "/api/chat", req)
		if err != nil {
			errCh <- err
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var chunk ChatChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				errCh <- fmt.Errorf("decode chunk: %w", err)
				return
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("scan: %w", err)
		}
	}()

	return ch, errCh
}

// Generate performs a single non-streaming completion call.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (GenerateChunk, error) {
	req.Stream = false
	var out GenerateChunk
	if err := c.postJSON(ctx, "/api/generate", req, &out); err != nil {
		return GenerateChunk{}, err
	}
	return out, nil
}

// GenerateStream sends a completion request and streams GenerateChunk events.
func (c *Client) GenerateStream(ctx context.Context, req GenerateRequest) (<-chan GenerateChunk, <-chan error) {
	ch := make(chan GenerateChunk)
	errCh := make(chan error, 1)
	req.Stream = true

	go func() {
		defer close(ch)
		defer close(errCh)

		resp, err := c.doStream(ctx, "/api/generate", req)
		if err != nil {
			errCh <- err
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var chunk GenerateChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				errCh <- fmt.Errorf("decode chunk: %w", err)
				return
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("scan: %w", err)
		}
	}()

	return ch, errCh
}

// Embeddings requests a single embedding vector for prompt.
func (c *Client) Embeddings(ctx context.Context, req EmbeddingsRequest) (EmbeddingsResponse, error) {
	var out EmbeddingsResponse
	if err := c.postJSON(ctx, "/api/embeddings", req, &out); err != nil {
		return EmbeddingsResponse{}, err
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (c *Client) doStream(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("ollama %d: %s", resp.StatusCode, string(b))
	}
	return resp, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	resp, err := c.doStream(ctx, path, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ollama %d: %s", resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
