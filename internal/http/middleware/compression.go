package middleware

import (
	"net/http"
	"strings"
)

// streamingPrefixes are paths whose responses must not be buffered by a
// compressor: raw media transfers and the agent websocket.
var streamingPrefixes = []string{"/stream/", "/agent"}

// SkipCompressionForStreams wraps a compression middleware so SSE, media
// transfers and websocket upgrades bypass it.
func SkipCompressionForStreams(compressionHandler func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressed := compressionHandler(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isStreaming(r) {
				next.ServeHTTP(w, r)
				return
			}
			compressed.ServeHTTP(w, r)
		})
	}
}

func isStreaming(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return true
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return true
	}
	if r.URL.Path == "/api/events" {
		return true
	}
	for _, prefix := range streamingPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}
