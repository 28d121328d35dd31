package probe

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/eyevinn-osaas/web-video-review/internal/domain"
)

// probePayload is the subset of ffprobe JSON output we parse.
type probePayload struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecType     string            `json:"codec_type"`
	CodecName     string            `json:"codec_name"`
	Width         int               `json:"width"`
	Height        int               `json:"height"`
	AvgFrameRate  string            `json:"avg_frame_rate"`
	RFrameRate    string            `json:"r_frame_rate"`
	SampleRate    string            `json:"sample_rate"`
	Channels      int               `json:"channels"`
	ChannelLayout string            `json:"channel_layout"`
	BitsPerSample int               `json:"bits_per_sample"`
	BitRate       string            `json:"bit_rate"`
	Duration      string            `json:"duration"`
	Tags          map[string]string `json:"tags"`
}

type probeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

func parseProbeOutput(key domain.AssetKey, data []byte) (domain.ProbeRecord, error) {
	var payload probePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return domain.ProbeRecord{}, err
	}

	record := domain.ProbeRecord{
		Key:        key,
		Container:  payload.Format.FormatName,
		Duration:   parseFloat(payload.Format.Duration),
		TotalBytes: parseInt(payload.Format.Size),
		BitRate:    parseInt(payload.Format.BitRate),
	}

	audioIndex := 0
	for _, stream := range payload.Streams {
		switch stream.CodecType {
		case "video":
			if record.Video != nil {
				continue
			}
			num, den := parseRational(stream.AvgFrameRate)
			if num == 0 || den == 0 {
				num, den = parseRational(stream.RFrameRate)
			}
			record.Video = &domain.VideoStream{
				Codec:        stream.CodecName,
				Width:        stream.Width,
				Height:       stream.Height,
				FrameRateNum: num,
				FrameRateDen: den,
				BitRate:      parseInt(stream.BitRate),
				Duration:     parseFloat(stream.Duration),
			}
		case "audio":
			layout := strings.TrimSpace(stream.ChannelLayout)
			if layout == "" {
				layout = domain.DefaultChannelLayout(stream.Channels)
			}
			record.Audio = append(record.Audio, domain.AudioStream{
				Index:         audioIndex,
				Codec:         stream.CodecName,
				SampleRate:    int(parseInt(stream.SampleRate)),
				Channels:      stream.Channels,
				ChannelLayout: layout,
				BitRate:       parseInt(stream.BitRate),
				BitsPerSample: stream.BitsPerSample,
				Language:      strings.TrimSpace(getTag(stream.Tags, "language")),
				Title:         strings.TrimSpace(getTag(stream.Tags, "title")),
				Duration:      parseFloat(stream.Duration),
			})
			audioIndex++
		}
	}

	record.MonoPair = domain.DetectMonoPair(record.Audio)
	return record, nil
}

// parseRational parses ffprobe's "num/den" frame rate notation. Bare
// integers are treated as num/1.
func parseRational(s string) (int, int) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0/0" {
		return 0, 0
	}
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.Atoi(num)
	if err != nil {
		return 0, 0
	}
	if !found {
		return n, 1
	}
	d, err := strconv.Atoi(den)
	if err != nil || d == 0 {
		return 0, 0
	}
	return n, d
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func getTag(tags map[string]string, key string) string {
	if len(tags) == 0 {
		return ""
	}
	if value, ok := tags[key]; ok {
		return value
	}
	if value, ok := tags[strings.ToUpper(key)]; ok {
		return value
	}
	return ""
}
