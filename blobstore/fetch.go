package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"net/http"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/hazyhaar/mailkit/horosafe"
)

// FetchConfig configures how foreign images are downloaded.
type FetchConfig struct {
	Timeout   time.Duration `yaml:"timeout"`   // per request. Default: 10s.
	MaxBytes  int64         `yaml:"max_bytes"` // body cap. Default: 8 MiB.
	UserAgent string        `yaml:"user_agent"`
	// BreakerThreshold consecutive host failures (transport errors, 5xx)
	// stop requests to that host for BreakerReset. Default: 5; negative
	// disables the breaker.
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"` // Default: 30s.
	// URLValidator guards every request and redirect (SSRF).
	// Default: horosafe.ValidateURL.
	URLValidator func(string) error `yaml:"-"`
}

func (c *FetchConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = horosafe.MaxImageBytes
	}
	if c.UserAgent == "" {
		c.UserAgent = "mailkit-importer/1.0"
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = 30 * time.Second
	}
	if c.URLValidator == nil {
		c.URLValidator = horosafe.ValidateURL
	}
}

// FetchError describes a failed download. StatusCode is 0 for transport
// errors.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: http %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

type fetcher struct {
	client   *http.Client
	cfg      FetchConfig
	breakers *hostBreakers
}

func newFetcher(cfg FetchConfig) *fetcher {
	cfg.defaults()
	validate := cfg.URLValidator
	return &fetcher{
		cfg:      cfg,
		breakers: newHostBreakers(cfg.BreakerThreshold, cfg.BreakerReset),
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked (SSRF): %w", err)
				}
				return nil
			},
		},
	}
}

// fetchImage downloads url and returns the body with its sniffed image
// content type. The declared Content-Type header is not trusted.
func (f *fetcher) fetchImage(ctx context.Context, url string) ([]byte, string, error) {
	if err := f.cfg.URLValidator(url); err != nil {
		return nil, "", &FetchError{URL: url, Err: err}
	}

	host := hostOf(url)
	if !f.breakers.allow(host) {
		return nil, "", &FetchError{URL: url, Err: ErrHostUnavailable}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", &FetchError{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			f.breakers.failure(host)
		}
		return nil, "", &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		f.breakers.failure(host)
	} else {
		f.breakers.success(host)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", &FetchError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := horosafe.LimitedReadAll(resp.Body, f.cfg.MaxBytes)
	if err != nil {
		return nil, "", &FetchError{URL: url, Err: err}
	}

	contentType, err := SniffImage(body)
	if err != nil {
		return nil, "", &FetchError{URL: url, Err: err}
	}
	return body, contentType, nil
}

// SniffImage decodes the image header and returns its MIME type. It fails
// with ErrNotImage for anything the registered decoders cannot read.
func SniffImage(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrNotImage
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	return "image/" + format, nil
}
