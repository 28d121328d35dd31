package domain

import (
	"math"
	"time"
)

// LoadStatus is the coarse lifecycle phase of an asset being prepared for
// review playback.
type LoadStatus string

const (
	StatusInitializing LoadStatus = "initializing"
	StatusStarting     LoadStatus = "starting"
	StatusDownloading  LoadStatus = "downloading"
	StatusDownloaded   LoadStatus = "downloaded"
	StatusProcessing   LoadStatus = "processing"
	StatusReady        LoadStatus = "ready"
	StatusError        LoadStatus = "error"
)

// LoadProgress is the wire shape of the per-asset progress report.
type LoadProgress struct {
	Status                 LoadStatus `json:"status"`
	Message                string     `json:"message,omitempty"`
	DownloadProgress       float64    `json:"downloadProgress"`
	ProcessingProgress     float64    `json:"processingProgress"`
	OverallProgress        int        `json:"overallProgress"`
	EstimatedTimeRemaining float64    `json:"estimatedTimeRemaining,omitempty"`
	Ready                  bool       `json:"ready"`
}

// ComputeOverall folds download and processing percentages into the single
// overall figure: download counts for the first half, processing for the
// second, ready pins it at 100.
func ComputeOverall(status LoadStatus, download, processing float64) int {
	switch status {
	case StatusReady:
		return 100
	case StatusProcessing:
		return int(math.Round(50 + processing*0.5))
	case StatusDownloading:
		return int(math.Round(download * 0.5))
	case StatusDownloaded:
		return 50
	default:
		return 0
	}
}

// ReviewEntry records one asset having been loaded for review.
type ReviewEntry struct {
	Key      AssetKey  `json:"key" bson:"_id"`
	LoadedAt time.Time `json:"loadedAt" bson:"loadedAt"`
	Duration float64   `json:"duration,omitempty" bson:"duration,omitempty"`
}
