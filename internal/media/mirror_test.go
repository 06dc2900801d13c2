package media

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/rolodex/internal/cache"
)

type recordingUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (u *recordingUploader) Upload(_ context.Context, objectName, contentType string, body []byte) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.objects == nil {
		u.objects = make(map[string][]byte)
	}
	u.objects[objectName] = append([]byte(nil), body...)
	return PublicObjectURL("https://cdn.example.com", objectName), nil
}

func (u *recordingUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.objects)
}

func newTestMirror(t *testing.T, uploader Uploader) *HTTPMirror {
	t.Helper()
	store, err := cache.NewMemory[string](cache.MemoryConfig{Capacity: 16, TTL: time.Hour})
	if err != nil {
		t.Fatalf("unexpected cache error: %v", err)
	}
	mirror, err := NewHTTPMirror(HTTPMirrorConfig{Client: &http.Client{Timeout: 5 * time.Second}, Uploader: uploader, Cache: store})
	if err != nil {
		t.Fatalf("unexpected mirror error: %v", err)
	}
	return mirror
}

func TestHTTPMirrorUploadsOncePerSource(t *testing.T) {
	var hits atomic.Int32
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	t.Cleanup(source.Close)

	uploader := &recordingUploader{}
	mirror := newTestMirror(t, uploader)

	first, err := mirror.Mirror(context.Background(), "user-1", source.URL+"/avatar")
	if err != nil {
		t.Fatalf("unexpected mirror error: %v", err)
	}
	second, err := mirror.Mirror(context.Background(), "user-1", source.URL+"/avatar")
	if err != nil {
		t.Fatalf("unexpected mirror error: %v", err)
	}
	if first != second {
		t.Fatalf("expected cached URL %q, got %q", first, second)
	}
	if !strings.HasPrefix(first, "https://cdn.example.com/profile-images/user-1/") || !strings.HasSuffix(first, ".png") {
		t.Fatalf("unexpected mirrored URL %q", first)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one download, got %d", hits.Load())
	}
	if uploader.count() != 1 {
		t.Fatalf("expected one uploaded object, got %d", uploader.count())
	}
}

func TestHTTPMirrorRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg-bytes"))
	}))
	t.Cleanup(source.Close)

	mirror := newTestMirror(t, &recordingUploader{})
	mirrored, err := mirror.Mirror(context.Background(), "user-1", source.URL)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if !strings.HasSuffix(mirrored, ".jpg") {
		t.Fatalf("unexpected mirrored URL %q", mirrored)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected two attempts, got %d", hits.Load())
	}
}

func TestHTTPMirrorDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(source.Close)

	mirror := newTestMirror(t, &recordingUploader{})
	_, err := mirror.Mirror(context.Background(), "user-1", source.URL)
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", hits.Load())
	}
}

func TestHTTPMirrorReportsUploadFailure(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/gif")
		_, _ = w.Write([]byte("gif"))
	}))
	t.Cleanup(source.Close)

	mirror := newTestMirror(t, &recordingUploader{err: errors.New("bucket unavailable")})
	_, err := mirror.Mirror(context.Background(), "user-1", source.URL)
	if !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("expected ErrUploadFailed, got %v", err)
	}
}

func TestMirrorsRejectUnsupportedSources(t *testing.T) {
	mirror := newTestMirror(t, &recordingUploader{})
	for _, source := range []string{"", "data:image/png;base64,AAAA", "/relative/path.png", "ftp://example.com/a.png"} {
		if _, err := mirror.Mirror(context.Background(), "user-1", source); !errors.Is(err, ErrUnsupportedSource) {
			t.Fatalf("expected ErrUnsupportedSource for %q, got %v", source, err)
		}
		if _, err := (PassthroughMirror{}).Mirror(context.Background(), "user-1", source); !errors.Is(err, ErrUnsupportedSource) {
			t.Fatalf("expected passthrough to reject %q, got %v", source, err)
		}
	}
}

func TestDefaultMirrorClientRefusesLoopbackSources(t *testing.T) {
	var hits atomic.Int32
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png"))
	}))
	defer source.Close()

	store, err := cache.NewMemory[string](cache.MemoryConfig{Capacity: 16, TTL: time.Hour})
	if err != nil {
		t.Fatalf("unexpected cache error: %v", err)
	}
	uploader := &recordingUploader{}
	mirror, err := NewHTTPMirror(HTTPMirrorConfig{Uploader: uploader, Cache: store, Attempts: 3})
	if err != nil {
		t.Fatalf("unexpected mirror error: %v", err)
	}

	_, err = mirror.Mirror(context.Background(), "user-1", source.URL+"/avatar.png")
	if !errors.Is(err, ErrBlockedAddress) || !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected blocked address for %s, got %v", source.URL, err)
	}
	if hits.Load() != 0 || uploader.count() != 0 {
		t.Fatalf("expected no request and no upload, got %d requests and %d uploads", hits.Load(), uploader.count())
	}
}

func TestPublicAddressClassification(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1":        false,
		"::1":              false,
		"10.1.2.3":         false,
		"172.16.0.9":       false,
		"192.168.1.20":     false,
		"169.254.169.254":  false,
		"fe80::1":          false,
		"0.0.0.0":          false,
		"100.64.0.1":       false,
		"::ffff:127.0.0.1": false,
		"fd00::1":          false,
		"93.184.216.34":    true,
		"2606:4700::1111":  true,
	}
	for raw, want := range cases {
		if got := publicAddress(netip.MustParseAddr(raw)); got != want {
			t.Fatalf("publicAddress(%s) = %v, want %v", raw, got, want)
		}
	}
}

func TestPublicObjectURLEscapesSegments(t *testing.T) {
	got := PublicObjectURL("https://storage.googleapis.com/bucket/", "profile-images/user one/abc.png")
	want := "https://storage.googleapis.com/bucket/profile-images/user%20one/abc.png"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
