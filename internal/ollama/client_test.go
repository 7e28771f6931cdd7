package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_ListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]any{{"name": "llama3"}, {"name": "mistral"}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "llama3", models[0].Name)
}

func TestClient_Chat_NonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		_ = json.NewEncoder(w).Encode(ChatChunk{
			Model:   req.Model,
			Message: Message{Role: "assistant", Content: "hi there"},
			Done:    true,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	chunk, err := c.Chat(context.Background(), ChatRequest{Model: "llama3", Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "hi there", chunk.Message.Content)
	assert.True(t, chunk.Done)
}

func TestClient_ChatStream_EmitsFramesUntilDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		enc := json.NewEncoder(w)
		_ = enc.Encode(ChatChunk{Message: Message{Role: "assistant", Content: "hel"}})
		flusher.Flush()
		_ = enc.Encode(ChatChunk{Message: Message{Role: "assistant", Content: "lo"}})
		flusher.Flush()
		_ = enc.Encode(ChatChunk{Done: true, DoneReason: "stop"})
		flusher.Flush()
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	frames, errs := c.ChatStream(context.Background(), ChatRequest{Model: "llama3"})

	var contents []string
	var sawDone bool
	for f := range frames {
		if f.Done {
			sawDone = true
			assert.Equal(t, "stop", f.DoneReason)
			continue
		}
		contents = append(contents, f.Message.Content)
	}
	require.NoError(t, <-errs)
	assert.True(t, sawDone)
	assert.Equal(t, []string{"hel", "lo"}, contents)
}

func TestClient_ChatStream_BackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	frames, errs := c.ChatStream(context.Background(), ChatRequest{Model: "llama3"})

	for range frames {
		t.Fatal("expected no frames on backend error")
	}
	err := <-errs
	require.Error(t, err)
}

func TestOptions_Empty(t *testing.T) {
	assert.True(t, (*Options)(nil).Empty())
	assert.True(t, (&Options{}).Empty())

	temp := 0.5
	assert.False(t, (&Options{Temperature: &temp}).Empty())
}

// ensure NDJSON scanning survives a blank line between frames, as some
// Ollama versions separate them.
func TestClient_ChatStream_SkipsBlankLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bw := bufio.NewWriter(w)
		b1, _ := json.Marshal(ChatChunk{Message: Message{Content: "a"}})
		b2, _ := json.Marshal(ChatChunk{Done: true})
		_, _ = bw.Write(append(b1, '\n'))
		_, _ = bw.Write([]byte("\n"))
		_, _ = bw.Write(append(b2, '\n'))
		_ = bw.Flush()
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	frames, errs := c.ChatStream(context.Background(), ChatRequest{Model: "llama3"})

	count := 0
	for range frames {
		count++
	}
	require.NoError(t, <-errs)
	assert.Equal(t, 2, count)
}
