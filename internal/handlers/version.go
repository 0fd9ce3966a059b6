package handlers

import (
	"net/http"

	"media-converter/internal/startup"
)

// VersionResponse is the build information plus the configured strategy
// chain, which differs between deployments of the same build.
type VersionResponse struct {
	startup.BuildInfo
	Strategies []string `json:"strategies"`
}

// GetVersion returns the application version and build information
// GET /version
func (h *Handlers) GetVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, VersionResponse{
		BuildInfo:  startup.GetBuildInfo(),
		Strategies: h.orch.Strategies(),
	})
}
