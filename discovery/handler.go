package discovery

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// maxAge is the Cache-Control max-age of served documents, in seconds.
const maxAge = "max-age=60"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func allowCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

func preflight(w http.ResponseWriter, r *http.Request) bool {
	allowCORS(w)
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return true
	case http.MethodGet, http.MethodHead:
		return false
	default:
		w.Header().Set("Allow", "GET, OPTIONS")
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return true
	}
}

// AuthorizationServerHandler serves the cached authorization server
// document. When the document cannot be fetched it answers 502.
func AuthorizationServerHandler(cache *Cache, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if preflight(w, r) {
			return
		}
		md, err := cache.Get(r.Context())
		if err != nil {
			logger.Error("Failed to serve authorization server metadata", "error", err)
			writeJSON(w, http.StatusBadGateway, map[string]string{
				"error":             "upstream_unavailable",
				"error_description": "authorization server metadata is unavailable",
			})
			return
		}
		w.Header().Set("Cache-Control", "public, "+maxAge)
		writeJSON(w, http.StatusOK, md)
	})
}

// ProtectedResourceHandler serves a static protected resource document.
func ProtectedResourceHandler(md ProtectedResourceMetadata) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if preflight(w, r) {
			return
		}
		w.Header().Set("Cache-Control", "public, "+maxAge)
		writeJSON(w, http.StatusOK, md)
	})
}
