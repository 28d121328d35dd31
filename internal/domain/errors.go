package domain

import "errors"

// Error kinds surfaced by the media pipeline. Handlers translate these to
// HTTP status codes; everything else is an internal error.
var (
	ErrNotFound          = errors.New("not found")
	ErrCredential        = errors.New("object store rejected credentials")
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrTimeout           = errors.New("operation timed out")
	ErrIO                = errors.New("local disk failure")
	ErrTranscodeStartup  = errors.New("transcoder failed before readiness")
	ErrTranscodeMidRun   = errors.New("transcoder failed after readiness")
	ErrAnalysisFailed    = errors.New("analysis failed")
	ErrCancelled         = errors.New("cancelled")
)
