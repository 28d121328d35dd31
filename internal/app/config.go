package app

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	HTTPAddr           string
	LogLevel           string
	LogFormat          string
	S3Endpoint         string
	S3Bucket           string
	S3AccessKey        string
	S3SecretKey        string
	S3Region           string
	S3UseSSL           bool
	CacheDir           string
	CacheMaxBytes      int64
	LocalCacheEnabled  bool
	SegmentDuration    int
	FFMPEGPath         string
	FFProbePath        string
	VideoEncoder       string // nvenc, qsv or software
	MongoURI           string // empty = in-memory persistence
	MongoDatabase      string
	CORSAllowedOrigins string
	RateLimitRPS       float64
	RateLimitBurst     int
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("LOG_FORMAT", "text")),
		S3Endpoint:         getEnv("S3_ENDPOINT", "localhost:9000"),
		S3Bucket:           getEnv("S3_BUCKET", "video-review"),
		S3AccessKey:        getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:        getEnv("S3_SECRET_KEY", ""),
		S3Region:           getEnv("S3_REGION", "us-east-1"),
		S3UseSSL:           getEnvBool("S3_USE_SSL", false),
		CacheDir:           getEnv("CACHE_DIR", "cache"),
		CacheMaxBytes:      getEnvInt64("CACHE_MAX_BYTES", 10<<30),
		LocalCacheEnabled:  getEnvBool("LOCAL_CACHE_ENABLED", true),
		SegmentDuration:    int(getEnvInt64("SEGMENT_DURATION", 10)),
		FFMPEGPath:         getEnv("FFMPEG_PATH", "ffmpeg"),
		FFProbePath:        getEnv("FFPROBE_PATH", "ffprobe"),
		VideoEncoder:       strings.ToLower(getEnv("VIDEO_ENCODER", "software")),
		MongoURI:           getEnv("MONGO_URI", ""),
		MongoDatabase:      getEnv("MONGO_DB", "videoreview"),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		RateLimitRPS:       float64(getEnvInt64("RATE_LIMIT_RPS", 200)),
		RateLimitBurst:     int(getEnvInt64("RATE_LIMIT_BURST", 400)),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return fallback
	}
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}
