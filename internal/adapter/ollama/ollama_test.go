package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hartyporpoise/porpulsion/internal/adapter"
	ollamaclient "github.com/hartyporpoise/porpulsion/internal/ollama"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(ollamaclient.NewClient(srv.URL, 5*time.Second))
}

func decodeFrames(t *testing.T, chunks <-chan []byte) []map[string]any {
	t.Helper()
	var frames []map[string]any
	for c := range chunks {
		s := strings.TrimPrefix(strings.TrimSuffix(string(c), "\n\n"), "data: ")
		if s == "[DONE]" {
			frames = append(frames, map[string]any{"__done__": true})
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(s), &m))
		frames = append(frames, m)
	}
	return frames
}

func TestChatCompletionsStream_RoleThenContentDeltas(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		enc := json.NewEncoder(w)
		_ = enc.Encode(ollamaclient.ChatChunk{Message: ollamaclient.Message{Role: "assistant", Content: "Hel"}})
		flusher.Flush()
		_ = enc.Encode(ollamaclient.ChatChunk{Message: ollamaclient.Message{Role: "assistant", Content: "lo"}})
		flusher.Flush()
		_ = enc.Encode(ollamaclient.ChatChunk{Done: true, DoneReason: "stop"})
		flusher.Flush()
	})

	chunks, errs := a.ChatCompletionsStream(context.Background(), adapter.ChatRequest{
		BackendModel:  "llama3",
		ResponseModel: "llama3",
		Messages:      []adapter.Message{{Role: "user", Content: "hi"}},
	})
	frames := decodeFrames(t, chunks)
	require.NoError(t, <-errs)

	require.Len(t, frames, 4)

	first := frames[0]["choices"].([]any)[0].(map[string]any)
	delta := first["delta"].(map[string]any)
	assert.Equal(t, "assistant", delta["role"])
	assert.Equal(t, "Hel", delta["content"])

	second := frames[1]["choices"].([]any)[0].(map[string]any)
	delta2 := second["delta"].(map[string]any)
	_, hasRole := delta2["role"]
	assert.False(t, hasRole, "role should only be sent once")
	assert.Equal(t, "lo", delta2["content"])

	third := frames[2]["choices"].([]any)[0].(map[string]any)
	assert.Equal(t, "stop", third["finish_reason"])

	assert.Equal(t, true, frames[3]["__done__"])
}

func TestChatCompletionsStream_SkipsEmptyContentDeltas(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		enc := json.NewEncoder(w)
		_ = enc.Encode(ollamaclient.ChatChunk{Message: ollamaclient.Message{Role: "assistant", Content: "hi"}})
		flusher.Flush()
		_ = enc.Encode(ollamaclient.ChatChunk{Message: ollamaclient.Message{Role: "assistant", Content: ""}})
		flusher.Flush()
		_ = enc.Encode(ollamaclient.ChatChunk{Done: true})
		flusher.Flush()
	})

	chunks, errs := a.ChatCompletionsStream(context.Background(), adapter.ChatRequest{BackendModel: "llama3", ResponseModel: "llama3"})
	frames := decodeFrames(t, chunks)
	require.NoError(t, <-errs)

	// role+content frame, finish_reason frame, [DONE] — the empty-content
	// frame in RoleSent state is skipped entirely.
	require.Len(t, frames, 3)
}

func TestChatCompletionsStream_UpstreamEndsWithoutDone(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		enc := json.NewEncoder(w)
		_ = enc.Encode(ollamaclient.ChatChunk{Message: ollamaclient.Message{Role: "assistant", Content: "partial"}})
		flusher.Flush()
		// connection closes here without a done:true frame
	})

	chunks, errs := a.ChatCompletionsStream(context.Background(), adapter.ChatRequest{BackendModel: "llama3", ResponseModel: "llama3"})
	frames := decodeFrames(t, chunks)
	require.NoError(t, <-errs)

	require.Len(t, frames, 3)
	finishFrame := frames[1]["choices"].([]any)[0].(map[string]any)
	assert.Equal(t, "stop", finishFrame["finish_reason"])
	assert.Equal(t, true, frames[2]["__done__"])
}

func TestChatCompletions_Buffered(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ollamaclient.ChatChunk{
			Message:         ollamaclient.Message{Role: "assistant", Content: "hi there"},
			Done:            true,
			DoneReason:      "stop",
			PromptEvalCount: 10,
			EvalCount:       5,
		})
	})

	result, err := a.ChatCompletions(context.Background(), adapter.ChatRequest{BackendModel: "llama3", ResponseModel: "llama3"})
	require.NoError(t, err)
	assert.Equal(t, "chat.completion", result["object"])
	usage := result["usage"].(map[string]any)
	assert.Equal(t, 15, usage["total_tokens"])
}

func TestEmbeddings_TranslatesToOpenAIShape(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ollamaclient.EmbeddingsResponse{Embedding: []float64{0.1, 0.2, 0.3}})
	})

	result, err := a.Embeddings(context.Background(), adapter.EmbeddingRequest{BackendModel: "llama3", ResponseModel: "llama3", Input: "hello"})
	require.NoError(t, err)

	rows := result["data"].([]map[string]any)
	require.Len(t, rows, 1)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, rows[0]["embedding"])
}

func TestListModels_NamespacesWithOllamaPrefix(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"models": []map[string]any{{"name": "llama3"}}})
	})

	entries, err := a.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ollama:llama3", entries[0].ID)
}
