// Package openai implements an OpenAI-native pass-through adapter. It
// forwards the dispatcher's rewritten payload to any backend that already
// speaks the OpenAI wire protocol. The vLLM adapter is this same code
// configured with a different base URL and backend name ("vllm"), since
// vLLM exposes OpenAI-compatible /v1/* endpoints verbatim.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hartyporpoise/porpulsion/internal/adapter"
)

// Adapter is the pass-through implementation of adapter.Adapter.
type Adapter struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

// New constructs a pass-through adapter registered under name (e.g.
// "openai" or "vllm"), talking to baseURL.
func New(name, baseURL string, httpClient *http.Client) *Adapter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Adapter{name: name, baseURL: baseURL, httpClient: httpClient}
}

func (a *Adapter) Name() string { return a.name }

func chatBody(req adapter.ChatRequest, stream bool) map[string]any {
	messages := make([]map[string]any, len(req.Messages))
	for i, m := range req.Messages {
		msg := map[string]any{"role": m.Role, "content": m.Content}
		if m.Name != "" {
			msg["name"] = m.Name
		}
		messages[i] = msg
	}
	body := map[string]any{
		"model":    req.BackendModel,
		"messages": messages,
		"stream":   stream,
	}
	applySampling(body, req.Temperature, req.TopP, req.Seed, req.MaxTokens, req.Stop)
	return body
}

func completionBody(req adapter.CompletionRequest, stream bool) map[string]any {
	body := map[string]any{
		"model":  req.BackendModel,
		"prompt": promptField(req),
		"stream": stream,
	}
	applySampling(body, req.Temperature, req.TopP, req.Seed, req.MaxTokens, req.Stop)
	return body
}

// promptField reconstructs the prompt field in whatever shape the client
// originally sent it: a bare string, or an array of strings (even a
// single-element one), so batched completion requests reach the backend
// unchanged instead of being collapsed into one joined string.
func promptField(req adapter.CompletionRequest) any {
	if req.PromptIsArray {
		return req.Prompt
	}
	if len(req.Prompt) == 0 {
		return ""
	}
	return req.Prompt[0]
}

func applySampling(body map[string]any, temperature, topP *float64, seed *int64, maxTokens *int, stop []string) {
	if temperature != nil {
		body["temperature"] = *temperature
	}
	if topP != nil {
		body["top_p"] = *topP
	}
	if seed != nil {
		body["seed"] = *seed
	}
	if maxTokens != nil {
		body["max_tokens"] = *maxTokens
	}
	if len(stop) > 0 {
		body["stop"] = stop
	}
}

// ChatCompletions forwards a non-streaming chat request, returning the
// backend's decoded JSON body verbatim.
func (a *Adapter) ChatCompletions(ctx context.Context, req adapter.ChatRequest) (map[string]any, error) {
	return a.postJSON(ctx, "/v1/chat/completions", chatBody(req, false))
}

// ChatCompletionsStream forwards a streaming chat request, relaying the
// backend's raw SSE bytes unchanged.
func (a *Adapter) ChatCompletionsStream(ctx context.Context, req adapter.ChatRequest) (<-chan []byte, <-chan error) {
	return a.streamRaw(ctx, "/v1/chat/completions", chatBody(req, true))
}

// Completions forwards a non-streaming completion request.
func (a *Adapter) Completions(ctx context.Context, req adapter.CompletionRequest) (map[string]any, error) {
	return a.postJSON(ctx, "/v1/completions", completionBody(req, false))
}

// CompletionsStream forwards a streaming completion request.
func (a *Adapter) CompletionsStream(ctx context.Context, req adapter.CompletionRequest) (<-chan []byte, <-chan error) {
	return a.streamRaw(ctx, "/v1/completions", completionBody(req, true))
}

// Embeddings forwards an embeddings request.
func (a *Adapter) Embeddings(ctx context.Context, req adapter.EmbeddingRequest) (map[string]any, error) {
	return a.postJSON(ctx, "/v1/embeddings", map[string]any{
		"model": req.BackendModel,
		"input": req.Input,
	})
}

// ListModels returns the backend's data array verbatim;
// the model aggregator namespaces entries.
func (a *Adapter) ListModels(ctx context.Context) ([]adapter.ModelEntry, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai adapter %s: %w", a.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openai adapter %s: backend returned %d: %s", a.name, resp.StatusCode, string(b))
	}

	var decoded struct {
		Data []struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			Created int64  `json:"created"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("openai adapter %s: decode models: %w", a.name, err)
	}

	entries := make([]adapter.ModelEntry, len(decoded.Data))
	for i, d := range decoded.Data {
		entries[i] = adapter.ModelEntry{ID: d.ID, Object: d.Object, Created: d.Created, OwnedBy: d.OwnedBy}
	}
	return entries, nil
}

func (a *Adapter) postJSON(ctx context.Context, path string, payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai adapter %s: %w", a.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openai adapter %s: backend returned %d: %s", a.name, resp.StatusCode, string(b))
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("openai adapter %s: decode response: %w", a.name, err)
	}
	return out, nil
}

func (a *Adapter) streamRaw(ctx context.Context, path string, payload map[string]any) (<-chan []byte, <-chan error) {
	chunks := make(chan []byte)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := json.Marshal(payload)
		if err != nil {
			errs <- err
			return
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
		if err != nil {
			errs <- err
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := a.httpClient.Do(httpReq)
		if err != nil {
			errs <- fmt.Errorf("openai adapter %s: %w", a.name, err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			errs <- fmt.Errorf("openai adapter %s: backend returned %d: %s", a.name, resp.StatusCode, string(b))
			return
		}

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadBytes('\n')
			if len(line) > 0 {
				select {
				case chunks <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					errs <- fmt.Errorf("openai adapter %s: read stream: %w", a.name, err)
				}
				return
			}
		}
	}()

	return chunks, errs
}
