package remote

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/okcolf/colfexpress/internal/errors"
)

// maxResponseBytes bounds a single authority response.
const maxResponseBytes = 64 << 20

// ParseBaseURL parses an absolute http or https URL with a host.
// "localhost:8090" parses with scheme "localhost" and is rejected.
func ParseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%q must be an absolute http(s) URL", raw)
	}
	return u, nil
}

// Client talks to a record authority over HTTP.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient creates a Client for the authority base URL. timeout bounds each
// request; zero leaves bounding to the caller's context.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := ParseBaseURL(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(errors.ErrConfig, "authority url", err)
	}
	return &Client{base: u, http: &http.Client{Timeout: timeout}}, nil
}

// BaseURL returns the authority base URL.
func (c *Client) BaseURL() string {
	return c.base.String()
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()
	return u.String()
}

func collectionPath(table string) string {
	return "/api/collections/" + url.PathEscape(table) + "/records"
}

// Pull returns the records of table the authority stored after cursor, in
// receive order, and the cursor to resume from.
func (c *Client) Pull(ctx context.Context, table string, cursor int64) ([]json.RawMessage, int64, error) {
	q := url.Values{}
	if cursor > 0 {
		q.Set("after", strconv.FormatInt(cursor, 10))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(collectionPath(table), q), nil)
	if err != nil {
		return nil, 0, errors.Wrap(errors.ErrInvalid, "build pull request", err)
	}

	var body recordsEnvelope
	if err := c.do(ctx, req, &body); err != nil {
		return nil, 0, err
	}
	return body.Items, body.Cursor, nil
}

// Push submits records of table.
func (c *Client) Push(ctx context.Context, table string, records []json.RawMessage) error {
	payload, err := json.Marshal(recordsEnvelope{Items: records})
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "encode push body", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(collectionPath(table), nil), bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "build push request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var summary PushSummary
	return c.do(ctx, req, &summary)
}

// Ping checks that the authority answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/health", nil), nil)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "build health request", err)
	}
	return c.do(ctx, req, nil)
}

// do sends req and decodes a 2xx JSON body into out. Transport failures map
// to NETWORK_FAILED or NETWORK_TIMEOUT, other statuses to BAD_STATUS.
func (c *Client) do(ctx context.Context, req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded || isTimeout(err) {
			return errors.Wrap(errors.ErrNetworkTimeout, req.Method+" "+req.URL.Path+" timed out", err)
		}
		return errors.Wrap(errors.ErrNetwork, req.Method+" "+req.URL.Path+" failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errors.Wrap(errors.ErrNetwork, "read authority response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.New(errors.ErrBadStatus, fmt.Sprintf("%s %s: status %d: %s",
			req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(data))))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(errors.ErrNetwork, "decode authority response", err)
	}
	return nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return stderrors.As(err, &t) && t.Timeout()
}
