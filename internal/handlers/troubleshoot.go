package handlers

import (
	"context"
	"net/http"
	"time"

	"media-converter/internal/transcoder"
)

// EncoderStatus reports which conversion strategies can actually run.
type EncoderStatus struct {
	Binary       string   `json:"binary"`
	Installed    bool     `json:"installed"`
	Version      string   `json:"version,omitempty"`
	Error        string   `json:"error,omitempty"`
	Library      bool     `json:"libraryEncoder"`
	LibraryError string   `json:"libraryError,omitempty"`
	Strategies   []string `json:"strategies"`
}

// CheckEncoder reports whether the external encoder is installed and the
// in-process encoder has the codecs it needs.
// GET /api/troubleshoot/encoder
func (h *Handlers) CheckEncoder(w http.ResponseWriter, r *http.Request) {
	status := EncoderStatus{
		Binary:     h.encoder.Binary(),
		Strategies: h.orch.Strategies(),
	}

	if err := h.encoder.Available(); err != nil {
		status.Error = err.Error()
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		version, err := h.encoder.Version(ctx)
		if err != nil {
			status.Error = err.Error()
		} else {
			status.Installed = true
			status.Version = version
		}
	}

	if err := transcoder.LibraryAvailable(); err != nil {
		status.LibraryError = err.Error()
	} else {
		status.Library = true
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, status)
}
