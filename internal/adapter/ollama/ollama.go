// Package ollama implements the Ollama translating adapter. It converts
// between the OpenAI-compatible shapes the dispatcher works with and
// Ollama's newline-delimited-JSON wire protocol, including a streaming
// state machine (Start -> RoleSent -> Terminal).
package ollama

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hartyporpoise/porpulsion/internal/adapter"
	"github.com/hartyporpoise/porpulsion/internal/ollama"
	"github.com/hartyporpoise/porpulsion/internal/sse"
)

// Adapter is the translating implementation of adapter.Adapter, backed by
// a raw internal/ollama.Client transport.
type Adapter struct {
	client *ollama.Client
}

// New wraps client as the "ollama" backend adapter.
func New(client *ollama.Client) *Adapter {
	return &Adapter{client: client}
}

func (a *Adapter) Name() string { return "ollama" }

// newID produces a "chatcmpl-<hex>" / "cmpl-<hex>" style id, using a uuid's
// random bits as the hex source with hyphens stripped.
func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func buildOptions(temperature, topP *float64, seed *int64, maxTokens *int) *ollama.Options {
	opts := &ollama.Options{Temperature: temperature, TopP: topP, Seed: seed, NumPredict: maxTokens}
	if opts.Empty() {
		return nil
	}
	return opts
}

// parseCreatedAt converts Ollama's ISO-8601 created_at into epoch seconds,
// falling back to wall time on parse failure or absence.
func parseCreatedAt(raw string) int64 {
	if raw == "" {
		return time.Now().Unix()
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Now().Unix()
	}
	return t.Unix()
}

// ---------------------------------------------------------------------------
// Chat
// ---------------------------------------------------------------------------

func toOllamaMessages(msgs []adapter.Message) []ollama.Message {
	out := make([]ollama.Message, len(msgs))
	for i, m := range msgs {
		out[i] = ollama.Message{Role: m.Role, Content: m.Content, Name: m.Name}
	}
	return out
}

// ChatCompletions implements the non-streaming chat translation.
func (a *Adapter) ChatCompletions(ctx context.Context, req adapter.ChatRequest) (map[string]any, error) {
	chunk, err := a.client.Chat(ctx, ollama.ChatRequest{
		Model:    req.BackendModel,
		Messages: toOllamaMessages(req.Messages),
		Options:  buildOptions(req.Temperature, req.TopP, req.Seed, req.MaxTokens),
		Stop:     req.Stop,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama adapter: chat: %w", err)
	}

	finishReason := chunk.DoneReason
	if finishReason == "" {
		finishReason = "stop"
	}

	resp := map[string]any{
		"id":      newID("chatcmpl-"),
		"object":  "chat.completion",
		"created": parseCreatedAt(chunk.CreatedAt),
		"model":   req.ResponseModel,
		"choices": []map[string]any{{
			"index": 0,
			"message": map[string]any{
				"role":    "assistant",
				"content": chunk.Message.Content,
			},
			"finish_reason": finishReason,
		}},
	}
	if chunk.EvalCount != 0 || chunk.PromptEvalCount != 0 {
		usage := map[string]any{
			"prompt_tokens":     chunk.PromptEvalCount,
			"completion_tokens": chunk.EvalCount,
		}
		if chunk.EvalCount != 0 && chunk.PromptEvalCount != 0 {
			usage["total_tokens"] = chunk.EvalCount + chunk.PromptEvalCount
		} else {
			usage["total_tokens"] = nil
		}
		resp["usage"] = usage
	}
	return resp, nil
}

// chatStreamState tracks where ChatCompletionsStream is in its streaming
// translation state machine.
type chatStreamState int

const (
	stateStart chatStreamState = iota
	stateRoleSent
	stateTerminal
)

// ChatCompletionsStream implements the streaming state machine: Start emits
// the role delta (plus content, if any); RoleSent emits content-only deltas,
// skipping frames with an empty delta; a done:true frame (from either
// state) emits the terminal finish_reason chunk followed by [DONE].
func (a *Adapter) ChatCompletionsStream(ctx context.Context, req adapter.ChatRequest) (<-chan []byte, <-chan error) {
	out := make(chan []byte)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		id := newID("chatcmpl-")
		created := time.Now().Unix()
		state := stateStart

		frames, upstreamErrs := a.client.ChatStream(ctx, ollama.ChatRequest{
			Model:    req.BackendModel,
			Messages: toOllamaMessages(req.Messages),
			Options:  buildOptions(req.Temperature, req.TopP, req.Seed, req.MaxTokens),
			Stop:     req.Stop,
		})

		emit := func(delta map[string]any, finishReason any) bool {
			chunk := map[string]any{
				"id":      id,
				"object":  "chat.completion.chunk",
				"created": created,
				"model":   req.ResponseModel,
				"choices": []map[string]any{{
					"index":         0,
					"delta":         delta,
					"finish_reason": finishReason,
				}},
			}
			b, err := sse.EventBytes(chunk)
			if err != nil {
				errs <- err
				return false
			}
			select {
			case out <- b:
				return true
			case <-ctx.Done():
				return false
			}
		}

	loop:
		for frame := range frames {
			if frame.Done {
				finishReason := frame.DoneReason
				if finishReason == "" {
					finishReason = "stop"
				}
				if !emit(map[string]any{}, finishReason) {
					return
				}
				state = stateTerminal
				break loop
			}

			content := frame.Message.Content
			switch state {
			case stateStart:
				delta := map[string]any{"role": "assistant"}
				if content != "" {
					delta["content"] = content
				}
				if !emit(delta, nil) {
					return
				}
				state = stateRoleSent
			case stateRoleSent:
				if content == "" {
					continue loop
				}
				if !emit(map[string]any{"content": content}, nil) {
					return
				}
			}
		}

		if err := drainErr(upstreamErrs); err != nil {
			errs <- fmt.Errorf("ollama adapter: stream: %w", err)
			return
		}

		// Upstream closed without a done:true frame: still terminate
		// cleanly with a finish_reason chunk and [DONE] rather than
		// leaving the client hanging.
		if state != stateTerminal {
			if !emit(map[string]any{}, "stop") {
				return
			}
		}

		select {
		case out <- sse.DoneBytes():
		case <-ctx.Done():
		}
	}()

	return out, errs
}

func drainErr(errs <-chan error) error {
	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}

// ---------------------------------------------------------------------------
// Completions
// ---------------------------------------------------------------------------

// singlePrompt returns prompts[0], or "" if empty — ollama's /api/generate
// takes one prompt string, never a batch.
func singlePrompt(prompts []string) string {
	if len(prompts) == 0 {
		return ""
	}
	return prompts[0]
}

// Completions implements the non-streaming completion translation. req.Prompt
// always has exactly one entry here: the dispatcher rejects array prompts
// before they reach the ollama backend.
func (a *Adapter) Completions(ctx context.Context, req adapter.CompletionRequest) (map[string]any, error) {
	chunk, err := a.client.Generate(ctx, ollama.GenerateRequest{
		Model:   req.BackendModel,
		Prompt:  singlePrompt(req.Prompt),
		Options: buildOptions(req.Temperature, req.TopP, req.Seed, req.MaxTokens),
		Stop:    req.Stop,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama adapter: generate: %w", err)
	}

	finishReason := chunk.DoneReason
	if finishReason == "" {
		finishReason = "stop"
	}

	resp := map[string]any{
		"id":      newID("cmpl-"),
		"object":  "text_completion",
		"created": parseCreatedAt(chunk.CreatedAt),
		"model":   req.ResponseModel,
		"choices": []map[string]any{{
			"index":         0,
			"text":          chunk.Response,
			"finish_reason": finishReason,
		}},
	}
	if chunk.EvalCount != 0 || chunk.PromptEvalCount != 0 {
		usage := map[string]any{
			"prompt_tokens":     chunk.PromptEvalCount,
			"completion_tokens": chunk.EvalCount,
		}
		if chunk.EvalCount != 0 && chunk.PromptEvalCount != 0 {
			usage["total_tokens"] = chunk.EvalCount + chunk.PromptEvalCount
		} else {
			usage["total_tokens"] = nil
		}
		resp["usage"] = usage
	}
	return resp, nil
}

// CompletionsStream implements the streaming completion translation,
// analogous to ChatCompletionsStream but over response/text fields.
func (a *Adapter) CompletionsStream(ctx context.Context, req adapter.CompletionRequest) (<-chan []byte, <-chan error) {
	out := make(chan []byte)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		id := newID("cmpl-")
		created := time.Now().Unix()

		frames, upstreamErrs := a.client.GenerateStream(ctx, ollama.GenerateRequest{
			Model:   req.BackendModel,
			Prompt:  singlePrompt(req.Prompt),
			Options: buildOptions(req.Temperature, req.TopP, req.Seed, req.MaxTokens),
			Stop:    req.Stop,
		})

		emit := func(text string, finishReason any) bool {
			chunk := map[string]any{
				"id":      id,
				"object":  "text_completion",
				"created": created,
				"model":   req.ResponseModel,
				"choices": []map[string]any{{
					"index":         0,
					"text":          text,
					"finish_reason": finishReason,
				}},
			}
			b, err := sse.EventBytes(chunk)
			if err != nil {
				errs <- err
				return false
			}
			select {
			case out <- b:
				return true
			case <-ctx.Done():
				return false
			}
		}

		terminated := false
		for frame := range frames {
			if frame.Done {
				finishReason := frame.DoneReason
				if finishReason == "" {
					finishReason = "stop"
				}
				if !emit("", finishReason) {
					return
				}
				terminated = true
				break
			}
			if frame.Response == "" {
				continue
			}
			if !emit(frame.Response, nil) {
				return
			}
		}

		if err := drainErr(upstreamErrs); err != nil {
			errs <- fmt.Errorf("ollama adapter: stream: %w", err)
			return
		}

		if !terminated {
			if !emit("", "stop") {
				return
			}
		}

		select {
		case out <- sse.DoneBytes():
		case <-ctx.Done():
		}
	}()

	return out, errs
}

// ---------------------------------------------------------------------------
// Embeddings
// ---------------------------------------------------------------------------

// Embeddings implements embeddings translation.
func (a *Adapter) Embeddings(ctx context.Context, req adapter.EmbeddingRequest) (map[string]any, error) {
	resp, err := a.client.Embeddings(ctx, ollama.EmbeddingsRequest{
		Model:  req.BackendModel,
		Prompt: req.Input,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama adapter: embeddings: %w", err)
	}
	return map[string]any{
		"object": "list",
		"model":  req.ResponseModel,
		"data": []map[string]any{{
			"object":    "embedding",
			"embedding": resp.Embedding,
			"index":     0,
		}},
	}, nil
}

// ---------------------------------------------------------------------------
// Models
// ---------------------------------------------------------------------------

// ListModels implements list-models translation: each
// Ollama model name is namespaced with "ollama:" immediately (unlike the
// OpenAI adapter, whose entries are namespaced later by the aggregator).
func (a *Adapter) ListModels(ctx context.Context) ([]adapter.ModelEntry, error) {
	models, err := a.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("ollama adapter: list models: %w", err)
	}
	entries := make([]adapter.ModelEntry, len(models))
	for i, m := range models {
		entries[i] = adapter.ModelEntry{
			ID:      "ollama:" + m.Name,
			Object:  "model",
			Created: m.ModifiedAt.Unix(),
			OwnedBy: "ollama",
		}
	}
	return entries, nil
}
