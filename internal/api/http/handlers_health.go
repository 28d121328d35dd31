package apihttp

import (
	"net/http"
	"time"

	"github.com/eyevinn-osaas/web-video-review/internal/hls"
)

type cacheHealthSnapshot struct {
	Enabled    bool  `json:"enabled"`
	TotalBytes int64 `json:"totalBytes"`
}

type healthResponse struct {
	Status     string              `json:"status"`
	CheckedAt  time.Time           `json:"checkedAt"`
	UptimeSecs float64             `json:"uptimeSecs"`
	Transcoder hls.HealthSnapshot  `json:"transcoder"`
	Cache      cacheHealthSnapshot `json:"cache"`
	Issues     []string            `json:"issues,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		CheckedAt:  time.Now().UTC(),
		UptimeSecs: time.Since(s.startedAt).Seconds(),
		Transcoder: s.transcoder.Health(),
	}

	setDegraded := func(issue string) {
		resp.Status = "degraded"
		resp.Issues = append(resp.Issues, issue)
	}

	if s.cacheStats != nil {
		resp.Cache = cacheHealthSnapshot{
			Enabled:    s.cacheStats.Enabled(),
			TotalBytes: s.cacheStats.TotalBytes(),
		}
	}

	if resp.Transcoder.LastError != "" && resp.Transcoder.LastErrorAt != nil {
		if resp.CheckedAt.Sub(*resp.Transcoder.LastErrorAt) <= 3*time.Minute {
			setDegraded("recent transcode failure")
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
