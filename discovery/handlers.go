package discovery

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/urpmng/urpm"
	"github.com/urpmng/urpm/pkg/jsonerr"
)

// Handler serves the HTTP half of the discovery contract: GET
// /api/media and POST /api/announce.
type Handler struct {
	Discovery *Discovery
}

// Routes registers the handler's endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/media", h.handleMedia)
	mux.HandleFunc("POST /api/announce", h.handleAnnounce)
}

func (h *Handler) handleMedia(w http.ResponseWriter, r *http.Request) {
	served, err := h.Discovery.ServedMedia(r.Context())
	if err != nil {
		jsonerr.Error(w, &jsonerr.Response{Code: "media_unavailable", Message: err.Error()}, http.StatusInternalServerError)
		return
	}
	out := make([]MediaSummary, 0, len(served))
	for _, name := range served {
		out = append(out, MediaSummary{Name: name, MageiaVersion: h.Discovery.LocalVersion, Arch: h.Discovery.LocalArch})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(MediaResponse{Media: out})
}

func (h *Handler) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var req AnnounceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonerr.Error(w, &jsonerr.Response{Code: "bad_request", Message: "malformed announce payload"}, http.StatusBadRequest)
		return
	}
	if req.Host == "" || req.Port == 0 {
		jsonerr.Error(w, &jsonerr.Response{Code: "bad_request", Message: "host and port are required"}, http.StatusBadRequest)
		return
	}

	blacklisted, err := h.Discovery.Store.IsBlacklisted(r.Context(), req.Host, req.Port)
	if err != nil {
		jsonerr.Error(w, &jsonerr.Response{Code: "store_error", Message: err.Error()}, http.StatusInternalServerError)
		return
	}
	if blacklisted {
		jsonerr.Error(w, &jsonerr.Response{Code: "blacklisted", Message: "peer is blacklisted"}, http.StatusForbidden)
		return
	}

	err = h.Discovery.Store.UpsertPeer(r.Context(), urpm.Peer{
		Host: req.Host, Port: req.Port, LocalVersion: req.LocalVersion, LocalArch: req.LocalArch,
		ServedMedia: req.ServedMedia, LastSeen: time.Now(),
	})
	if err != nil {
		jsonerr.Error(w, &jsonerr.Response{Code: "store_error", Message: err.Error()}, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
