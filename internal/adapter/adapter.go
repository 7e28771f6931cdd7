// Package adapter defines the backend-adapter capability: a small
// interface with two concrete implementations (an OpenAI-native
// pass-through and an Ollama translator), held by the dispatcher in a
// name-keyed registry rather than dispatched dynamically on a type tag.
package adapter

import "context"

// Message is one chat turn, independent of either wire protocol.
type Message struct {
	Role    string
	Content string
	Name    string
}

// ChatRequest is the dispatcher's already-validated, already-rewritten
// view of a chat completion request: BackendModel has any prefix stripped,
// ResponseModel is the original client-supplied model string to echo back
// verbatim.
type ChatRequest struct {
	BackendModel  string
	ResponseModel string
	Messages      []Message
	Temperature   *float64
	TopP          *float64
	Seed          *int64
	MaxTokens     *int
	Stop          []string
}

// CompletionRequest is the equivalent of ChatRequest for /v1/completions.
// Prompt carries one or more prompt strings in client-submitted order;
// PromptIsArray records whether the client sent the JSON array form so an
// OpenAI-native backend can forward the prompt field unchanged (array stays
// array, even a single-element one). The dispatcher rejects array prompts
// routed to Ollama, which has no batched form, so an Ollama-bound
// CompletionRequest always has exactly one Prompt entry.
type CompletionRequest struct {
	BackendModel  string
	ResponseModel string
	Prompt        []string
	PromptIsArray bool
	Temperature   *float64
	TopP          *float64
	Seed          *int64
	MaxTokens     *int
	Stop          []string
}

// EmbeddingRequest is the dispatcher's view of an /v1/embeddings request.
type EmbeddingRequest struct {
	BackendModel  string
	ResponseModel string
	Input         string
}

// ModelEntry is one row of a ListModels response, pre-namespacing; the
// model-list aggregator (internal/models) applies backend namespacing.
type ModelEntry struct {
	ID      string
	Object  string
	Created int64
	OwnedBy string
}

// Adapter is the capability every backend implementation exposes. Chunks
// returned by the streaming methods are SSE bytes ready to write to the
// client unchanged: the Ollama adapter yields one complete "data: ...\n\n"
// frame per chunk, while the OpenAI pass-through relays the backend's
// stream one line per chunk. The dispatcher never inspects or re-encodes
// them, it only copies bytes until the channel closes or an error arrives.
type Adapter interface {
	// Name identifies the backend for the X-Proxy-Backend header and for
	// namespacing model ids ("ollama", "openai", "vllm").
	Name() string

	ChatCompletions(ctx context.Context, req ChatRequest) (map[string]any, error)
	ChatCompletionsStream(ctx context.Context, req ChatRequest) (<-chan []byte, <-chan error)

	Completions(ctx context.Context, req CompletionRequest) (map[string]any, error)
	CompletionsStream(ctx context.Context, req CompletionRequest) (<-chan []byte, <-chan error)

	Embeddings(ctx context.Context, req EmbeddingRequest) (map[string]any, error)

	ListModels(ctx context.Context) ([]ModelEntry, error)
}

// Registry is the dispatcher's backend-name-keyed adapter lookup.
type Registry struct {
	adapters map[string]Adapter
	order    []string // deterministic iteration order for the model aggregator
}

// NewRegistry builds a registry from adapters in the given order. Order is
// preserved for deterministic model-list refresh (configuration order).
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
		r.order = append(r.order, a.Name())
	}
	return r
}

// Get returns the adapter registered under name, if any.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered backend names in configuration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}
