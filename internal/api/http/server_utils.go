package apihttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/eyevinn-osaas/web-video-review/internal/domain"
)

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "object not found")
	case errors.Is(err, domain.ErrCredential):
		writeError(w, http.StatusUnauthorized, "credential_error", "object store rejected credentials")
	case errors.Is(err, domain.ErrCancelled):
		// The client gave up or the session was aborted; drop the
		// connection without a response.
		panic(http.ErrAbortHandler)
	case errors.Is(err, domain.ErrTimeout):
		writeError(w, http.StatusInternalServerError, "timeout", err.Error())
	case errors.Is(err, domain.ErrSourceUnavailable):
		writeError(w, http.StatusInternalServerError, "source_unavailable", err.Error())
	case errors.Is(err, domain.ErrTranscodeStartup), errors.Is(err, domain.ErrTranscodeMidRun):
		writeError(w, http.StatusInternalServerError, "transcode_error", err.Error())
	case errors.Is(err, domain.ErrAnalysisFailed):
		writeError(w, http.StatusInternalServerError, "analysis_error", err.Error())
	case errors.Is(err, domain.ErrIO):
		writeError(w, http.StatusInternalServerError, "io_error", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func parsePositiveInt(value string, requirePositive bool) (int, error) {
	if strings.TrimSpace(value) == "" {
		return -1, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if requirePositive && parsed <= 0 {
		return 0, errors.New("must be > 0")
	}
	if !requirePositive && parsed < 0 {
		return 0, errors.New("must be >= 0")
	}
	return parsed, nil
}

func parseFloatQuery(value string, fallback float64) (float64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, err
	}
	return parsed, nil
}

func parseBoolQuery(value string) (bool, bool, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return false, false, nil
	}
	switch strings.ToLower(trimmed) {
	case "true", "1":
		return true, true, nil
	case "false", "0":
		return false, true, nil
	default:
		return false, false, errors.New("invalid bool")
	}
}

// splitVideoPath splits the tail of a /video/ URL into the asset key and
// the trailing action segment. Keys may contain slashes.
func splitVideoPath(tail string) (domain.AssetKey, string, bool) {
	tail = strings.Trim(tail, "/")
	idx := strings.LastIndex(tail, "/")
	if idx <= 0 || idx == len(tail)-1 {
		return "", "", false
	}
	return domain.AssetKey(tail[:idx]), tail[idx+1:], true
}

// parseMediaIndex extracts NNN from names like segment012.ts. The index
// must be exactly three digits, matching what the muxer writes.
func parseMediaIndex(name, prefix, suffix string) (int, bool) {
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
	if len(digits) != 3 {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return n, true
}
