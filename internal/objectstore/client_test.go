package objectstore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/eyevinn-osaas/web-video-review/internal/domain"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{
		Endpoint:   srv.URL,
		Bucket:     "review",
		AccessKey:  "AKIATEST",
		SecretKey:  "secret",
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestHeadMapsStatusToDomainErrors(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, domain.ErrNotFound},
		{http.StatusForbidden, domain.ErrCredential},
		{http.StatusUnauthorized, domain.ErrCredential},
		{http.StatusBadGateway, domain.ErrSourceUnavailable},
	}
	for _, tc := range cases {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		_, err := c.Head(context.Background(), "clips/a.mp4")
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: err = %v, want %v", tc.status, err, tc.want)
		}
	}
}

func TestHeadParsesObjectInfo(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Path != "/review/clips/a.mp4" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "AWS4-HMAC-SHA256") {
			t.Errorf("request not signed: %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Length", "1234")
		w.Header().Set("ETag", `"abc123"`)
		w.WriteHeader(http.StatusOK)
	}))
	info, err := c.Head(context.Background(), "clips/a.mp4")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if info.Size != 1234 || info.ContentType != "video/mp4" || info.ETag != "abc123" {
		t.Fatalf("info = %+v", info)
	}
}

func TestPresignGetCarriesSignature(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	url, err := c.PresignGet("clips/match day.mxf", 0)
	if err != nil {
		t.Fatalf("PresignGet: %v", err)
	}
	for _, want := range []string{
		"X-Amz-Algorithm=AWS4-HMAC-SHA256",
		"X-Amz-Signature=",
		"X-Amz-Expires=3600",
		"/review/clips/match%20day.mxf",
	} {
		if !strings.Contains(url, want) {
			t.Errorf("url missing %q: %s", want, url)
		}
	}
}
