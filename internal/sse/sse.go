// Package sse writes the server-sent-event framing the gateway's streaming
// endpoints use: "data: <compact-JSON>\n\n", terminated by "data: [DONE]\n\n".
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// SetHeaders applies the text/event-stream response headers. The dispatcher
// calls it before relaying an adapter's pre-formatted byte chunks (e.g. the
// OpenAI pass-through adapter, which forwards the backend's
// already-SSE-framed bytes unchanged).
func SetHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// EventBytes formats event as one raw SSE data frame without writing it
// anywhere, for translators that build chunks ahead of the response writer
// (the Ollama adapter's streaming state machine).
func EventBytes(event any) ([]byte, error) {
	b, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("sse: marshal event: %w", err)
	}
	return []byte(fmt.Sprintf("data: %s\n\n", b)), nil
}

// DoneBytes returns the raw terminal "[DONE]" sentinel frame.
func DoneBytes() []byte {
	return []byte("data: [DONE]\n\n")
}
