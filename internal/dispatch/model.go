package dispatch

import "strings"

// knownPrefixes lists the backend names recognized as model-string
// prefixes.
var knownPrefixes = []string{"ollama:", "vllm:"}

// route names a backend and the model string to forward to it.
type route struct {
	backendName  string
	backendModel string
}

// selectBackend splits the model string on a known prefix once; otherwise
// falls back to the configured default backend with the model string
// unchanged.
func selectBackend(model, defaultBackend string) route {
	for _, p := range knownPrefixes {
		if strings.HasPrefix(model, p) {
			return route{backendName: strings.TrimSuffix(p, ":"), backendModel: strings.TrimPrefix(model, p)}
		}
	}
	return route{backendName: defaultBackend, backendModel: model}
}
