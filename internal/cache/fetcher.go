package cache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/okcolf/colfexpress/internal/errors"
)

// maxBodyBytes bounds a single fetched response.
const maxBodyBytes = 32 << 20

// Fetcher retrieves a request key from the network. A response with any
// status is returned as an Entry; only transport failures are errors.
type Fetcher interface {
	Fetch(ctx context.Context, key string) (*Entry, error)
}

// HTTPFetcher fetches same-origin keys from Origin and cross-origin keys
// from their own host.
type HTTPFetcher struct {
	Origin  *url.URL
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPFetcher creates an HTTPFetcher for the origin base URL.
func NewHTTPFetcher(origin string, timeout time.Duration) (*HTTPFetcher, error) {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.New(errors.ErrConfig, fmt.Sprintf("cache origin %q must be an absolute http(s) URL", origin))
	}
	return &HTTPFetcher{Origin: u, Client: &http.Client{}, Timeout: timeout}, nil
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, key string) (*Entry, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	target, err := f.resolve(key)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid request target", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid request target", err)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.Wrap(errors.ErrNetworkTimeout, "fetch timed out", err)
		}
		return nil, errors.Wrap(errors.ErrNetwork, "fetch failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, "read response body failed", err)
	}
	return &Entry{
		URL:         key,
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		StoredAt:    time.Now().UTC(),
	}, nil
}

func (f *HTTPFetcher) resolve(key string) (string, error) {
	ref, err := url.Parse(key)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	if f.Origin == nil {
		return "", fmt.Errorf("no origin for relative key %q", key)
	}
	return f.Origin.ResolveReference(ref).String(), nil
}
