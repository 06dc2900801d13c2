// Package media copies remote profile images into storage owned by the service so that
// contact records do not depend on short-lived platform CDN links.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/rolodex/internal/cache"
	"github.com/codeGROOVE-dev/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultFetchTimeout = 10 * time.Second
	defaultMaxBytes     = 5 << 20
	defaultAttempts     = 2
	objectPrefix        = "profile-images"
	dialTimeout         = 5 * time.Second
)

var (
	// ErrFetchFailed indicates that a source image could not be downloaded.
	ErrFetchFailed = errors.New("media: image fetch failed")
	// ErrUploadFailed indicates that a downloaded image could not be stored.
	ErrUploadFailed = errors.New("media: image upload failed")
	// ErrUnsupportedSource indicates that the source URL is not an absolute http(s) URL.
	ErrUnsupportedSource = errors.New("media: unsupported image source")
	// ErrBlockedAddress indicates that a source host resolved to an address inside a private,
	// loopback, link-local or unspecified range.
	ErrBlockedAddress = errors.New("media: image source address not allowed")

	errMissingUploader = errors.New("media: uploader required")
	errMissingCache    = errors.New("media: cache required")
)

// Mirror returns a stable URL for a remote image.
type Mirror interface {
	Mirror(ctx context.Context, userID, sourceURL string) (string, error)
}

// Uploader stores an object and returns the URL it is served from.
type Uploader interface {
	Upload(ctx context.Context, objectName, contentType string, body []byte) (string, error)
}

// HTTPStatusError records a non-success response from the image host.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("media: GET %s returned %d", e.URL, e.StatusCode)
}

// HTTPMirrorConfig wires the dependencies of an HTTPMirror. A nil Client selects a client that
// refuses to connect to non-public addresses; a caller-supplied Client is used as is.
type HTTPMirrorConfig struct {
	Client       *http.Client
	Uploader     Uploader
	Cache        cache.Store[string]
	FetchTimeout time.Duration
	MaxBytes     int64
	Attempts     uint
	Logger       *zap.Logger
}

// HTTPMirror downloads images over HTTP with a bounded retry and uploads them once per
// user and source URL. Concurrent mirrors of the same image share one download.
type HTTPMirror struct {
	client       *http.Client
	uploader     Uploader
	mirrored     cache.Store[string]
	group        singleflight.Group
	fetchTimeout time.Duration
	maxBytes     int64
	attempts     uint
	logger       *zap.Logger
}

// NewHTTPMirror constructs an HTTPMirror.
func NewHTTPMirror(cfg HTTPMirrorConfig) (*HTTPMirror, error) {
	if cfg.Uploader == nil {
		return nil, errMissingUploader
	}
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	client := cfg.Client
	if client == nil {
		client = newPublicClient()
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	attempts := cfg.Attempts
	if attempts == 0 {
		attempts = defaultAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPMirror{
		client:       client,
		uploader:     cfg.Uploader,
		mirrored:     cfg.Cache,
		fetchTimeout: fetchTimeout,
		maxBytes:     maxBytes,
		attempts:     attempts,
		logger:       logger,
	}, nil
}

// Mirror downloads sourceURL and returns the URL of the stored copy.
func (m *HTTPMirror) Mirror(ctx context.Context, userID, sourceURL string) (string, error) {
	source, err := validateSource(sourceURL)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256([]byte(source))
	objectKey := hex.EncodeToString(digest[:])
	cacheKey := "media:" + userID + ":" + objectKey

	if stored, ok, cacheErr := m.mirrored.Get(ctx, cacheKey); cacheErr == nil && ok {
		return stored, nil
	} else if cacheErr != nil {
		m.logger.Warn("image mirror cache lookup failed", zap.Error(cacheErr))
	}

	value, err, _ := m.group.Do(cacheKey, func() (interface{}, error) {
		body, contentType, fetchErr := m.fetch(ctx, source)
		if fetchErr != nil {
			return "", fetchErr
		}
		objectName := fmt.Sprintf("%s/%s/%s%s", objectPrefix, userID, objectKey, extensionFor(contentType))
		publicURL, uploadErr := m.uploader.Upload(ctx, objectName, contentType, body)
		if uploadErr != nil {
			return "", fmt.Errorf("%w: %v", ErrUploadFailed, uploadErr)
		}
		if setErr := m.mirrored.Set(ctx, cacheKey, publicURL); setErr != nil {
			m.logger.Warn("image mirror cache store failed", zap.Error(setErr))
		}
		return publicURL, nil
	})
	if err != nil {
		return "", err
	}
	mirroredURL, _ := value.(string)
	return mirroredURL, nil
}

func (m *HTTPMirror) fetch(ctx context.Context, source string) ([]byte, string, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
	defer cancel()

	type download struct {
		body        []byte
		contentType string
	}
	var lastErr error
	result, err := retry.DoWithData(
		func() (fetched download, attemptErr error) {
			defer func() {
				if attemptErr != nil {
					lastErr = attemptErr
				}
			}()
			request, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, source, http.NoBody)
			if err != nil {
				return download{}, permanentError{err}
			}
			response, err := m.client.Do(request)
			if err != nil {
				return download{}, err
			}
			defer response.Body.Close() //nolint:errcheck

			if response.StatusCode != http.StatusOK {
				return download{}, &HTTPStatusError{StatusCode: response.StatusCode, URL: source}
			}
			contentType := response.Header.Get("Content-Type")
			if !strings.HasPrefix(strings.ToLower(contentType), "image/") {
				return download{}, permanentError{fmt.Errorf("unexpected content type %q", contentType)}
			}
			body, err := io.ReadAll(io.LimitReader(response.Body, m.maxBytes+1))
			if err != nil {
				return download{}, err
			}
			if int64(len(body)) > m.maxBytes {
				return download{}, permanentError{fmt.Errorf("image exceeds %d bytes", m.maxBytes)}
			}
			return download{body: body, contentType: contentType}, nil
		},
		retry.Context(fetchCtx),
		retry.Attempts(m.attempts),
		retry.Delay(200*time.Millisecond),
		retry.MaxJitter(100*time.Millisecond),
		retry.RetryIf(isRetryable),
		retry.OnRetry(func(n uint, err error) {
			m.logger.Debug("retrying image fetch", zap.Uint("attempt", n+1), zap.String("url", source), zap.Error(err))
		}),
	)
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return nil, "", fmt.Errorf("%w: %w", ErrFetchFailed, lastErr)
	}
	return result.body, result.contentType, nil
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }

func (e permanentError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var permanent permanentError
	if errors.As(err, &permanent) {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		default:
			return false
		}
	}
	return true
}

// newPublicClient returns a client whose dialer checks every resolved address, including the
// targets of redirects, against publicAddress.
func newPublicClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
		Control:   rejectNonPublicAddress,
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        32,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: dialTimeout,
		},
	}
}

func rejectNonPublicAddress(_ string, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return permanentError{fmt.Errorf("%w: %q", ErrBlockedAddress, address)}
	}
	ip, err := netip.ParseAddr(host)
	if err != nil || !publicAddress(ip) {
		return permanentError{fmt.Errorf("%w: %s", ErrBlockedAddress, host)}
	}
	return nil
}

var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

func publicAddress(ip netip.Addr) bool {
	ip = ip.Unmap()
	switch {
	case !ip.IsValid(),
		ip.IsUnspecified(),
		ip.IsLoopback(),
		ip.IsPrivate(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsInterfaceLocalMulticast(),
		ip.IsMulticast(),
		sharedAddressSpace.Contains(ip):
		return false
	}
	return true
}

func validateSource(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedSource, raw)
	}
	return parsed.String(), nil
}

func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	switch mediaType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	}
	return ""
}

// PassthroughMirror keeps source URLs as they are. It is used when no bucket is configured.
type PassthroughMirror struct{}

// Mirror returns sourceURL unchanged after checking that it is an absolute http(s) URL.
func (PassthroughMirror) Mirror(_ context.Context, _ string, sourceURL string) (string, error) {
	return validateSource(sourceURL)
}

var (
	_ Mirror = (*HTTPMirror)(nil)
	_ Mirror = PassthroughMirror{}
)
