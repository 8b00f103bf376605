package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"
)

func randomID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b)
}

// syntheticToolID generates a client-facing tool_use identifier for web
// mode, where the upstream has none. The prefix matches what API
// clients expect.
func syntheticToolID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "toolu_unknown"
	}
	return "toolu_" + hex.EncodeToString(b)
}

func safeText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return hex.EncodeToString(b)
}

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// respondError writes the JSON error body for pre-stream failures.
func respondError(w http.ResponseWriter, err error) {
	kind := errorKind(err)
	status := httpStatus(kind)
	if pe, ok := err.(*proxyError); ok && pe.retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(pe.retryAfter.Seconds())))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"detail": map[string]any{
			"code":    string(kind),
			"message": err.Error(),
		},
	})
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		vv := make([]string, len(v))
		copy(vv, v)
		out[k] = vv
	}
	return out
}

func removeHopByHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, sf := range strings.Split(f, ",") {
			if sf = strings.TrimSpace(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
	for _, k := range []string{
		"Connection", "Proxy-Connection", "Keep-Alive",
		"Proxy-Authenticate", "Proxy-Authorization",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade",
	} {
		h.Del(k)
	}
}
