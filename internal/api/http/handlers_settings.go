package apihttp

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/eyevinn-osaas/web-video-review/internal/app"
)

func (s *Server) handleGetReviewSettings(w http.ResponseWriter, _ *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "review settings not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.settings.Get())
}

func (s *Server) handleUpdateReviewSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "review settings not configured")
		return
	}

	var body app.ReviewSettings
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}

	// Merge with current values for partial updates.
	current := s.settings.Get()
	if body.SegmentDuration == 0 {
		body.SegmentDuration = current.SegmentDuration
	}

	if err := s.settings.Update(body); err != nil {
		if errors.Is(err, app.ErrInvalidSettings) {
			writeError(w, http.StatusBadRequest, "invalid_request", "segmentDuration must be 1-60")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update review settings")
		return
	}

	writeJSON(w, http.StatusOK, s.settings.Get())
}
