package domain

import (
	"fmt"
	"strings"
)

// AssetKey identifies an object in the store. All per-asset state is keyed
// by it.
type AssetKey string

func (k AssetKey) String() string { return string(k) }

// VideoStream describes the primary video stream of an asset.
type VideoStream struct {
	Codec        string  `json:"codec"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	FrameRateNum int     `json:"frameRateNum"`
	FrameRateDen int     `json:"frameRateDen"`
	BitRate      int64   `json:"bitRate,omitempty"`
	Duration     float64 `json:"duration,omitempty"`
}

// FrameRate returns the stream frame rate as a float. Zero when unknown.
func (v VideoStream) FrameRate() float64 {
	if v.FrameRateDen == 0 {
		return 0
	}
	return float64(v.FrameRateNum) / float64(v.FrameRateDen)
}

// AudioStream describes one audio stream of an asset. Index is the stream's
// position among the asset's audio streams, in container order.
type AudioStream struct {
	Index         int     `json:"index"`
	Codec         string  `json:"codec"`
	SampleRate    int     `json:"sampleRate"`
	Channels      int     `json:"channels"`
	ChannelLayout string  `json:"channelLayout"`
	BitRate       int64   `json:"bitRate,omitempty"`
	BitsPerSample int     `json:"bitsPerSample,omitempty"`
	Language      string  `json:"language,omitempty"`
	Title         string  `json:"title,omitempty"`
	Duration      float64 `json:"duration,omitempty"`
}

// MonoPair is the mono-combinable hint: the first two single-channel audio
// streams of an asset. Compatible is true when their codecs and sample
// rates match, in which case the pipeline merges them into one stereo
// output carrying Title and Language.
type MonoPair struct {
	FirstIndex  int    `json:"firstIndex"`
	SecondIndex int    `json:"secondIndex"`
	Compatible  bool   `json:"compatible"`
	Title       string `json:"title"`
	Language    string `json:"language,omitempty"`
}

// ProbeRecord is the memoized result of probing one asset.
type ProbeRecord struct {
	Key        AssetKey      `json:"key"`
	Duration   float64       `json:"duration"`
	TotalBytes int64         `json:"totalBytes"`
	Container  string        `json:"container"`
	BitRate    int64         `json:"bitRate,omitempty"`
	Video      *VideoStream  `json:"video,omitempty"`
	Audio      []AudioStream `json:"audio"`
	MonoPair   *MonoPair     `json:"monoPair,omitempty"`
}

// HasAudio reports whether the asset carries at least one audio stream.
func (p ProbeRecord) HasAudio() bool { return len(p.Audio) > 0 }

// EstimatedBitrate returns the best available bits-per-second figure for
// need-seconds-to-bytes conversion: container bitrate, else video stream
// bitrate, else size-derived, else an 8 Mbit/s fallback.
func (p ProbeRecord) EstimatedBitrate() int64 {
	if p.BitRate > 0 {
		return p.BitRate
	}
	if p.Video != nil && p.Video.BitRate > 0 {
		return p.Video.BitRate
	}
	if p.TotalBytes > 0 && p.Duration > 0 {
		return int64(float64(p.TotalBytes) * 8 / p.Duration)
	}
	return 8_000_000
}

// DefaultChannelLayout names a channel layout from the channel count when
// the container does not carry one.
func DefaultChannelLayout(channels int) string {
	switch channels {
	case 1:
		return "mono"
	case 2:
		return "stereo"
	case 3:
		return "2.1"
	case 4:
		return "quad"
	case 5:
		return "4.1"
	case 6:
		return "5.1"
	case 7:
		return "6.1"
	case 8:
		return "7.1"
	default:
		return fmt.Sprintf("%d channels", channels)
	}
}

// DetectMonoPair computes the mono-combinable hint from an asset's audio
// streams. Returns nil when fewer than two mono streams exist.
func DetectMonoPair(streams []AudioStream) *MonoPair {
	var mono []AudioStream
	for _, s := range streams {
		if s.Channels == 1 {
			mono = append(mono, s)
			if len(mono) == 2 {
				break
			}
		}
	}
	if len(mono) < 2 {
		return nil
	}
	a, b := mono[0], mono[1]
	pair := &MonoPair{
		FirstIndex:  a.Index,
		SecondIndex: b.Index,
		Compatible:  a.Codec == b.Codec && a.SampleRate == b.SampleRate,
		Title:       monoPairTitle(a, b),
		Language:    a.Language,
	}
	if pair.Language == "" {
		pair.Language = b.Language
	}
	return pair
}

func monoPairTitle(a, b AudioStream) string {
	titleA := strings.TrimSpace(a.Title)
	titleB := strings.TrimSpace(b.Title)
	if titleA == "" {
		titleA = fmt.Sprintf("Audio %d", a.Index+1)
	}
	if titleB == "" {
		titleB = fmt.Sprintf("Audio %d", b.Index+1)
	}
	return titleA + " + " + titleB + " (Stereo)"
}
