package models

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hartyporpoise/porpulsion/internal/adapter"
)

type stubAdapter struct {
	name    string
	entries []adapter.ModelEntry
	err     error
	calls   int
}

func (s *stubAdapter) Name() string { return s.name }
func (s *stubAdapter) ChatCompletions(context.Context, adapter.ChatRequest) (map[string]any, error) {
	return nil, nil
}
func (s *stubAdapter) ChatCompletionsStream(context.Context, adapter.ChatRequest) (<-chan []byte, <-chan error) {
	return nil, nil
}
func (s *stubAdapter) Completions(context.Context, adapter.CompletionRequest) (map[string]any, error) {
	return nil, nil
}
func (s *stubAdapter) CompletionsStream(context.Context, adapter.CompletionRequest) (<-chan []byte, <-chan error) {
	return nil, nil
}
func (s *stubAdapter) Embeddings(context.Context, adapter.EmbeddingRequest) (map[string]any, error) {
	return nil, nil
}
func (s *stubAdapter) ListModels(context.Context) ([]adapter.ModelEntry, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.entries, nil
}

func TestAggregator_NamespacesEachBackend(t *testing.T) {
	ollama := &stubAdapter{name: "ollama", entries: []adapter.ModelEntry{{ID: "ollama:llama3", Object: "model"}}}
	vllm := &stubAdapter{name: "vllm", entries: []adapter.ModelEntry{{ID: "mistral-7b", Object: "model"}}}
	reg := adapter.NewRegistry(ollama, vllm)

	agg := New(reg, time.Minute)
	entries, err := agg.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byID := map[string]Entry{}
	for _, e := range entries {
		byID[e.ID] = e
	}
	_, hasOllama := byID["ollama:llama3"]
	_, hasVllm := byID["vllm:mistral-7b"]
	assert.True(t, hasOllama, "ollama entry already namespaced should pass through unchanged")
	assert.True(t, hasVllm, "vllm entry should gain the vllm: prefix")
}

func TestAggregator_CachesWithinTTL(t *testing.T) {
	stub := &stubAdapter{name: "ollama", entries: []adapter.ModelEntry{{ID: "ollama:llama3"}}}
	reg := adapter.NewRegistry(stub)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	agg := New(reg, time.Minute)
	agg.monotonic = func() time.Time { return now }

	_, err := agg.List(context.Background())
	require.NoError(t, err)
	_, err = agg.List(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stub.calls, "second call within TTL should not re-query adapters")
}

func TestAggregator_RefreshesAfterTTLExpires(t *testing.T) {
	stub := &stubAdapter{name: "ollama", entries: []adapter.ModelEntry{{ID: "ollama:llama3"}}}
	reg := adapter.NewRegistry(stub)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	agg := New(reg, time.Minute)
	agg.monotonic = func() time.Time { return now }

	_, err := agg.List(context.Background())
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = agg.List(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stub.calls)
}

func TestAggregator_PartialFailureReplacesCacheWithFreshSuccessesOnly(t *testing.T) {
	good := &stubAdapter{name: "ollama", entries: []adapter.ModelEntry{{ID: "ollama:llama3"}}}
	reg := adapter.NewRegistry(good)

	agg := New(reg, time.Millisecond)
	entries, err := agg.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)

	time.Sleep(2 * time.Millisecond)
	good.err = errors.New("backend unreachable")
	good.entries = nil

	entries, err = agg.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries, "a failing adapter must not keep serving the previous cached entries")
}
