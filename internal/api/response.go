// Package api provides HTTP response utilities for FunnelPipe.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// errorFallback is served when an envelope fails to marshal. A raw literal
// cannot itself fail to encode.
var errorFallback = []byte(`{"status":"error","message":"Internal server error"}`)

// writeJSONResponse marshals the envelope before touching the ResponseWriter
// so a failed encode can still downgrade the status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: marshal failed", "error", err, "status", statusCode)
		body = errorFallback
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Error("Server.writeJSONResponse: write failed", "error", err)
	}
}

// writeMethodNotAllowed rejects the request with a 405 envelope and an Allow
// header naming the methods the endpoint supports.
func writeMethodNotAllowed(w http.ResponseWriter, r *http.Request, allowed string) {
	w.Header().Set("Allow", allowed)
	slog.Warn("Server: method not allowed", "method", r.Method, "path", r.URL.Path, "allow", allowed)
	writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
}
