// Package dispatch implements the gateway's request core — authenticate,
// guard body size, validate schema, admit against the rate limiter,
// select a backend, rewrite the payload, invoke the adapter, and assemble
// either a buffered JSON or streamed response.
//
// The dispatcher holds no global mutable state; every dependency (token
// registry, limiter, adapter registry, model aggregator) is passed in
// explicitly at construction and consulted through an explicit Dispatcher
// value, not a process-wide singleton.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hartyporpoise/porpulsion/internal/adapter"
	"github.com/hartyporpoise/porpulsion/internal/gwerr"
	"github.com/hartyporpoise/porpulsion/internal/metrics"
	"github.com/hartyporpoise/porpulsion/internal/models"
	"github.com/hartyporpoise/porpulsion/internal/ratelimit"
	"github.com/hartyporpoise/porpulsion/internal/sse"
	"github.com/hartyporpoise/porpulsion/internal/tokens"
)

// Dispatcher holds every dependency the request pipeline needs.
type Dispatcher struct {
	Tokens         *tokens.Registry
	Limiter        ratelimit.Limiter
	Adapters       *adapter.Registry
	Models         *models.Aggregator
	DefaultBackend string
	MaxBodyBytes   int64
	Metrics        *metrics.Collector
	Logger         *zap.Logger
}

// admission bundles the results of steps 1-5 of the pipeline. The
// handlers in this file do not use it; they pass token, snapshot, route
// and adapter as separate values.
type admission struct {
	token   tokens.Config
	snap    ratelimit.Snapshot
	route   route
	adapter adapter.Adapter
}

// authenticate checks the request's bearer token against the token
// registry. Body-size guarding, schema validation, and backend selection
// happen per-endpoint since they need the decoded body.
func (d *Dispatcher) authenticate(r *http.Request) (tokens.Config, *gwerr.Error) {
	header := r.Header.Get("Authorization")
	const schemePrefix = "bearer "
	if len(header) < len(schemePrefix) || !strings.EqualFold(header[:len(schemePrefix)], schemePrefix) {
		return tokens.Config{}, gwerr.Authentication("missing bearer token")
	}
	token := strings.TrimSpace(header[len(schemePrefix):])
	if token == "" {
		return tokens.Config{}, gwerr.Authentication("missing bearer token")
	}
	cfg, ok := d.Tokens.Lookup(token)
	if !ok {
		return tokens.Config{}, gwerr.Authentication("invalid bearer token")
	}
	return cfg, nil
}

// guardBodySize rejects requests whose declared Content-Length exceeds
// the configured maximum before any body bytes are read.
func (d *Dispatcher) guardBodySize(r *http.Request) *gwerr.Error {
	if r.ContentLength > 0 && r.ContentLength > d.MaxBodyBytes {
		return gwerr.InvalidRequest(http.StatusRequestEntityTooLarge, "request body exceeds maximum allowed size")
	}
	return nil
}

// admit checks the token's rate-limit allowance, recording a denial
// metric by window when the limiter refuses the request.
func (d *Dispatcher) admit(ctx context.Context, token tokens.Config) (ratelimit.Snapshot, *gwerr.Error) {
	snap, err := d.Limiter.ConsumeOrDeny(ctx, token.Token, token.RPM, token.RPD)
	if err != nil {
		if d.Metrics != nil {
			window := "minute"
			if snap.RemainingMinute > 0 {
				window = "day"
			}
			d.Metrics.RateLimitDenials.WithLabelValues(token.Label, window).Inc()
		}
		gerr := gwerr.RateLimited("rate limit exceeded")
		return snap, gerr
	}
	return snap, nil
}

// resolveBackend selects a backend route for the given model string and
// looks up its registered adapter.
func (d *Dispatcher) resolveBackend(model string) (route, adapter.Adapter, *gwerr.Error) {
	rt := selectBackend(model, d.DefaultBackend)
	a, ok := d.Adapters.Get(rt.backendName)
	if !ok {
		return route{}, nil, gwerr.Backend(http.StatusInternalServerError, fmt.Sprintf("backend %q is not enabled", rt.backendName))
	}
	return rt, a, nil
}

// attachRateLimitHeaders sets the backend and rate-limit response headers
// every successful response carries.
func attachRateLimitHeaders(w http.ResponseWriter, backend string, snap ratelimit.Snapshot) {
	w.Header().Set("X-Proxy-Backend", backend)
	w.Header().Set("X-RateLimit-Limit-Minute", strconv.Itoa(snap.LimitMinute))
	w.Header().Set("X-RateLimit-Remaining-Minute", strconv.Itoa(snap.RemainingMinute))
	w.Header().Set("X-RateLimit-Limit-Day", strconv.Itoa(snap.LimitDay))
	w.Header().Set("X-RateLimit-Remaining-Day", strconv.Itoa(snap.RemainingDay))
}

// firstDataRow extracts the first element of an embeddings response's
// "data" array regardless of its concrete type: the ollama adapter builds
// its result as []map[string]any directly, while the openai pass-through
// adapter's result came through a generic JSON decode, where a nested
// array of objects surfaces as []any of map[string]any.
func firstDataRow(result map[string]any) (map[string]any, bool) {
	switch rows := result["data"].(type) {
	case []map[string]any:
		if len(rows) == 0 {
			return nil, false
		}
		return rows[0], true
	case []any:
		if len(rows) == 0 {
			return nil, false
		}
		row, ok := rows[0].(map[string]any)
		return row, ok
	default:
		return nil, false
	}
}

func readBody(r *http.Request, maxBytes int64) ([]byte, *gwerr.Error) {
	limited := http.MaxBytesReader(nil, r.Body, maxBytes+1)
	b, err := io.ReadAll(limited)
	if err != nil {
		return nil, gwerr.InvalidRequest(http.StatusRequestEntityTooLarge, "request body exceeds maximum allowed size")
	}
	return b, nil
}

// HandleHealthz serves GET /healthz: no auth, no rate limit.
func (d *Dispatcher) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
}

// HandleListModels serves GET /v1/models: authenticated, not rate-limited.
func (d *Dispatcher) HandleListModels(w http.ResponseWriter, r *http.Request) {
	if _, gerr := d.authenticate(r); gerr != nil {
		gwerr.WriteJSON(w, gerr)
		return
	}
	entries, err := d.Models.List(r.Context())
	if err != nil {
		gwerr.WriteJSON(w, gwerr.Backend(http.StatusBadGateway, err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": entries})
}

// HandleChatCompletions serves POST /v1/chat/completions.
func (d *Dispatcher) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	token, gerr := d.authenticate(r)
	if gerr != nil {
		gwerr.WriteJSON(w, gerr)
		return
	}
	if gerr := d.guardBodySize(r); gerr != nil {
		gwerr.WriteJSON(w, gerr)
		return
	}
	raw, gerr := readBody(r, d.MaxBodyBytes)
	if gerr != nil {
		gwerr.WriteJSON(w, gerr)
		return
	}

	var body chatRequestBody
	if err := json.Unmarshal(raw, &body); err != nil {
		gwerr.WriteJSON(w, gwerr.InvalidRequest(http.StatusBadRequest, "malformed JSON body"))
		return
	}
	if len(body.Messages) == 0 {
		gwerr.WriteJSON(w, gwerr.InvalidRequest(http.StatusUnprocessableEntity, "messages must be a non-empty array"))
		return
	}
	for _, m := range body.Messages {
		if m.Role == "" || m.Content == "" {
			gwerr.WriteJSON(w, gwerr.InvalidRequest(http.StatusUnprocessableEntity, "each message requires role and content"))
			return
		}
	}

	snap, gerr := d.admit(r.Context(), token)
	if gerr != nil {
		attachRateLimitHeaders(w, "", snap)
		if snap.RetryAfterSeconds > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(snap.RetryAfterSeconds))
		}
		gwerr.WriteJSON(w, gerr)
		return
	}

	rt, ad, gerr := d.resolveBackend(body.Model)
	if gerr != nil {
		attachRateLimitHeaders(w, rt.backendName, snap)
		gwerr.WriteJSON(w, gerr)
		return
	}

	messages := make([]adapter.Message, len(body.Messages))
	for i, m := range body.Messages {
		messages[i] = adapter.Message{Role: m.Role, Content: m.Content, Name: m.Name}
	}
	chatReq := adapter.ChatRequest{
		BackendModel:  rt.backendModel,
		ResponseModel: body.Model,
		Messages:      messages,
		Temperature:   body.Temperature,
		TopP:          body.TopP,
		Seed:          body.Seed,
		MaxTokens:     body.MaxTokens,
		Stop:          body.Stop,
	}

	if body.Stream {
		d.streamChat(w, r, rt, ad, snap, chatReq)
		return
	}
	d.bufferedChat(w, r, rt, ad, snap, chatReq)
}

func (d *Dispatcher) bufferedChat(w http.ResponseWriter, r *http.Request, rt route, ad adapter.Adapter, snap ratelimit.Snapshot, req adapter.ChatRequest) {
	start := time.Now()
	result, err := ad.ChatCompletions(r.Context(), req)
	if d.Metrics != nil {
		d.Metrics.ObserveAdapter(rt.backendName, "chat_completions", start)
	}
	if err != nil {
		attachRateLimitHeaders(w, rt.backendName, snap)
		gwerr.WriteJSON(w, gwerr.Backend(http.StatusBadGateway, err.Error()))
		return
	}
	attachRateLimitHeaders(w, rt.backendName, snap)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func (d *Dispatcher) streamChat(w http.ResponseWriter, r *http.Request, rt route, ad adapter.Adapter, snap ratelimit.Snapshot, req adapter.ChatRequest) {
	chunks, errs := ad.ChatCompletionsStream(r.Context(), req)
	d.relayStream(w, rt, snap, chunks, errs)
}

// HandleCompletions serves POST /v1/completions.
func (d *Dispatcher) HandleCompletions(w http.ResponseWriter, r *http.Request) {
	token, gerr := d.authenticate(r)
	if gerr != nil {
		gwerr.WriteJSON(w, gerr)
		return
	}
	if gerr := d.guardBodySize(r); gerr != nil {
		gwerr.WriteJSON(w, gerr)
		return
	}
	raw, gerr := readBody(r, d.MaxBodyBytes)
	if gerr != nil {
		gwerr.WriteJSON(w, gerr)
		return
	}

	var body completionRequestBody
	if err := json.Unmarshal(raw, &body); err != nil {
		gwerr.WriteJSON(w, gwerr.InvalidRequest(http.StatusBadRequest, "malformed JSON body"))
		return
	}
	prompts, wasArray, err := promptStrings(body.Prompt)
	if err != nil || len(prompts) == 0 {
		gwerr.WriteJSON(w, gwerr.InvalidRequest(http.StatusUnprocessableEntity, "prompt is required"))
		return
	}

	snap, gerr := d.admit(r.Context(), token)
	if gerr != nil {
		attachRateLimitHeaders(w, "", snap)
		if snap.RetryAfterSeconds > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(snap.RetryAfterSeconds))
		}
		gwerr.WriteJSON(w, gerr)
		return
	}

	rt, ad, gerr := d.resolveBackend(body.Model)
	if gerr != nil {
		attachRateLimitHeaders(w, rt.backendName, snap)
		gwerr.WriteJSON(w, gerr)
		return
	}

	// Array prompts routed to Ollama are rejected, since Ollama's
	// /api/generate does not support prompt batching.
	if wasArray && rt.backendName == "ollama" {
		attachRateLimitHeaders(w, rt.backendName, snap)
		gwerr.WriteJSON(w, gwerr.InvalidRequest(http.StatusBadRequest, "array prompts are not supported for the ollama backend"))
		return
	}

	compReq := adapter.CompletionRequest{
		BackendModel:  rt.backendModel,
		ResponseModel: body.Model,
		Prompt:        prompts,
		PromptIsArray: wasArray,
		Temperature:   body.Temperature,
		TopP:          body.TopP,
		Seed:          body.Seed,
		MaxTokens:     body.MaxTokens,
		Stop:          body.Stop,
	}

	if body.Stream {
		chunks, errs := ad.CompletionsStream(r.Context(), compReq)
		d.relayStream(w, rt, snap, chunks, errs)
		return
	}

	start := time.Now()
	result, err := ad.Completions(r.Context(), compReq)
	if d.Metrics != nil {
		d.Metrics.ObserveAdapter(rt.backendName, "completions", start)
	}
	if err != nil {
		attachRateLimitHeaders(w, rt.backendName, snap)
		gwerr.WriteJSON(w, gwerr.Backend(http.StatusBadGateway, err.Error()))
		return
	}
	attachRateLimitHeaders(w, rt.backendName, snap)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// HandleEmbeddings serves POST /v1/embeddings.
func (d *Dispatcher) HandleEmbeddings(w http.ResponseWriter, r *http.Request) {
	token, gerr := d.authenticate(r)
	if gerr != nil {
		gwerr.WriteJSON(w, gerr)
		return
	}
	if gerr := d.guardBodySize(r); gerr != nil {
		gwerr.WriteJSON(w, gerr)
		return
	}
	raw, gerr := readBody(r, d.MaxBodyBytes)
	if gerr != nil {
		gwerr.WriteJSON(w, gerr)
		return
	}

	var body embeddingRequestBody
	if err := json.Unmarshal(raw, &body); err != nil {
		gwerr.WriteJSON(w, gwerr.InvalidRequest(http.StatusBadRequest, "malformed JSON body"))
		return
	}
	inputs, err := inputStrings(body.Input)
	if err != nil || len(inputs) == 0 {
		gwerr.WriteJSON(w, gwerr.InvalidRequest(http.StatusUnprocessableEntity, "input is required"))
		return
	}

	snap, gerr := d.admit(r.Context(), token)
	if gerr != nil {
		attachRateLimitHeaders(w, "", snap)
		if snap.RetryAfterSeconds > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(snap.RetryAfterSeconds))
		}
		gwerr.WriteJSON(w, gerr)
		return
	}

	rt, ad, gerr := d.resolveBackend(body.Model)
	if gerr != nil {
		attachRateLimitHeaders(w, rt.backendName, snap)
		gwerr.WriteJSON(w, gerr)
		return
	}

	data := make([]map[string]any, 0, len(inputs))
	for i, in := range inputs {
		start := time.Now()
		result, err := ad.Embeddings(r.Context(), adapter.EmbeddingRequest{
			BackendModel:  rt.backendModel,
			ResponseModel: body.Model,
			Input:         in,
		})
		if d.Metrics != nil {
			d.Metrics.ObserveAdapter(rt.backendName, "embeddings", start)
		}
		if err != nil {
			attachRateLimitHeaders(w, rt.backendName, snap)
			gwerr.WriteJSON(w, gwerr.Backend(http.StatusBadGateway, err.Error()))
			return
		}
		if row, ok := firstDataRow(result); ok {
			row["index"] = i
			data = append(data, row)
		}
	}

	attachRateLimitHeaders(w, rt.backendName, snap)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"model":  body.Model,
		"data":   data,
	})
}

// relayStream copies adapter-produced SSE byte chunks to the client as
// they arrive. Headers are held until the first chunk arrives, so an
// adapter failure before any bytes is reported as a 502 error envelope.
// Once bytes have started flowing, a mid-stream error terminates the
// response without a [DONE] sentinel rather than being converted to an
// HTTP error.
func (d *Dispatcher) relayStream(w http.ResponseWriter, rt route, snap ratelimit.Snapshot, chunks <-chan []byte, errs <-chan error) {
	first, gotFirst := <-chunks
	if !gotFirst {
		if err := <-errs; err != nil {
			attachRateLimitHeaders(w, rt.backendName, snap)
			gwerr.WriteJSON(w, gwerr.Backend(http.StatusBadGateway, err.Error()))
			return
		}
	}

	sse.SetHeaders(w)
	attachRateLimitHeaders(w, rt.backendName, snap)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	if d.Metrics != nil {
		done := d.Metrics.StreamStarted()
		defer done()
	}

	if gotFirst {
		if _, err := w.Write(first); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	for chunk := range chunks {
		if _, err := w.Write(chunk); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if err := <-errs; err != nil {
		if d.Logger != nil {
			d.Logger.Warn("stream terminated without DONE sentinel", zap.Error(err), zap.String("backend", rt.backendName))
		}
	}
}
