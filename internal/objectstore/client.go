// Package objectstore is a thin client for an S3-compatible object store.
// It signs requests with AWS Signature V4 directly; the service only needs
// HEAD and presigned GET URLs, so a full SDK would be dead weight.
package objectstore

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eyevinn-osaas/web-video-review/internal/domain"
)

type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

type ObjectInfo struct {
	Key          domain.AssetKey
	Size         int64
	ContentType  string
	LastModified time.Time
	ETag         string
}

type Client struct {
	cfg      Config
	endpoint *url.URL
	http     *http.Client
	now      func() time.Time
}

func New(cfg Config) (*Client, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if bucket == "" || endpoint == "" {
		return nil, fmt.Errorf("objectstore: endpoint and bucket are required")
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("objectstore: parse endpoint: %w", err)
		}
		if parsed.Scheme != "" {
			scheme = parsed.Scheme
		}
		endpoint = parsed.Host
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	cfg.Bucket = bucket
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// No overall timeout: GET bodies stream for the whole download.
		httpClient = &http.Client{}
	}
	return &Client{
		cfg:      cfg,
		endpoint: &url.URL{Scheme: scheme, Host: endpoint},
		http:     httpClient,
		now:      time.Now,
	}, nil
}

func (c *Client) objectURL(key domain.AssetKey) *url.URL {
	u := *c.endpoint
	u.Path = "/" + strings.TrimLeft(c.cfg.Bucket, "/") + "/" + strings.TrimLeft(string(key), "/")
	return &u
}

// Head fetches object metadata. 404 maps to domain.ErrNotFound and 401/403
// to domain.ErrCredential so handlers can translate directly.
func (c *Client) Head(ctx context.Context, key domain.AssetKey) (ObjectInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.objectURL(key).String(), nil)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("objectstore: head %s: %w", key, err)
	}
	c.sign(req, emptyPayloadHash)
	resp, err := c.http.Do(req)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("objectstore: head %s: %w: %v", key, domain.ErrSourceUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := statusError(key, resp.StatusCode); err != nil {
		return ObjectInfo{}, err
	}
	info := ObjectInfo{
		Key:         key,
		Size:        resp.ContentLength,
		ContentType: resp.Header.Get("Content-Type"),
		ETag:        strings.Trim(resp.Header.Get("ETag"), `"`),
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			info.LastModified = t
		}
	}
	return info, nil
}

// PresignGet returns a query-signed GET URL usable without credentials,
// handed to the transcoder and analysis binaries when no local copy exists.
func (c *Client) PresignGet(key domain.AssetKey, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = time.Hour
	}
	target := c.objectURL(key)
	now := c.now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	scope := strings.Join([]string{dateStamp, c.cfg.Region, "s3", "aws4_request"}, "/")

	q := url.Values{}
	q.Set("X-Amz-Algorithm", "AWS4-HMAC-SHA256")
	q.Set("X-Amz-Credential", c.cfg.AccessKey+"/"+scope)
	q.Set("X-Amz-Date", amzDate)
	q.Set("X-Amz-Expires", strconv.Itoa(int(expiry.Seconds())))
	q.Set("X-Amz-SignedHeaders", "host")
	target.RawQuery = q.Encode()

	canonicalRequest := strings.Join([]string{
		http.MethodGet,
		canonicalURI(target),
		canonicalQuery(target),
		"host:" + target.Host + "\n",
		"host",
		unsignedPayload,
	}, "\n")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hashSHA256Hex([]byte(canonicalRequest)),
	}, "\n")
	signature := hmacSHA256Hex(c.signingKey(dateStamp), stringToSign)

	q.Set("X-Amz-Signature", signature)
	target.RawQuery = q.Encode()
	return target.String(), nil
}

func statusError(key domain.AssetKey, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return fmt.Errorf("objectstore: %s: %w", key, domain.ErrNotFound)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("objectstore: %s: %w", key, domain.ErrCredential)
	default:
		return fmt.Errorf("objectstore: %s: %w: status %d", key, domain.ErrSourceUnavailable, status)
	}
}
