// Package remote is the client side of the remote message service: a
// conditional GET by id and a PUT for upload, both keyed by entity type.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads. Entities are small JSON
	// documents.
	maxResponseBytes = 1024 * 1024
)

// Entity is a remote entity as returned by a fetch.
type Entity struct {
	ID         string
	Version    int64
	ModifiedAt time.Time
	ETag       string
	// Data is the complete JSON document.
	Data []byte
}

// FetchResult is the outcome of a conditional fetch. Entity is nil when
// NotModified is set.
type FetchResult struct {
	NotModified bool
	Entity      *Entity
}

// UploadResult carries the fresh entity tag and version after an upload.
type UploadResult struct {
	ETag       string
	Version    int64
	ModifiedAt time.Time
}

// Options configures a Client.
type Options struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
}

// Client talks to the remote message service over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClient creates a Client. A non-positive RequestsPerSecond disables
// rate limiting.
func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	u, err := url.Parse(opts.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid remote base url %q", opts.BaseURL)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		burst := max(opts.Burst, 1)
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		limiter:    limiter,
		logger:     logger,
	}, nil
}

func entityPath(entityType, id string) string {
	return "/v1/" + url.PathEscape(entityType) + "s/" + url.PathEscape(id)
}

// Fetch issues a conditional GET for one entity. A non-empty etag is sent
// as If-None-Match; an unchanged entity yields NotModified with no body
// transferred.
func (c *Client) Fetch(ctx context.Context, entityType, id, etag string) (*FetchResult, error) {
	path := entityPath(entityType, id)
	header := http.Header{}
	if etag != "" {
		header.Set("If-None-Match", quoteETag(etag))
	}
	resp, body, err := c.do(ctx, http.MethodGet, path, header, nil)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return &FetchResult{NotModified: true}, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, entityType, id)
	case resp.StatusCode != http.StatusOK:
		return nil, statusError(http.MethodGet, path, resp.StatusCode, body)
	}

	e, err := parseEntity(body)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	if tag := unquoteETag(resp.Header.Get("ETag")); tag != "" {
		e.ETag = tag
	}
	return &FetchResult{Entity: e}, nil
}

// Upload PUTs the JSON document for an entity. A non-empty ifMatch is sent
// as If-Match; a remote that moved on answers with ErrPreconditionFailed.
func (c *Client) Upload(ctx context.Context, entityType, id, ifMatch string, doc []byte) (*UploadResult, error) {
	if !gjson.ValidBytes(doc) {
		return nil, fmt.Errorf("upload %s/%s: %w: invalid local document", entityType, id, ErrMalformedPayload)
	}
	path := entityPath(entityType, id)
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	if ifMatch != "" {
		header.Set("If-Match", quoteETag(ifMatch))
	}
	resp, body, err := c.do(ctx, http.MethodPut, path, header, doc)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusPreconditionFailed, http.StatusConflict:
		return nil, fmt.Errorf("%w: %s/%s", ErrPreconditionFailed, entityType, id)
	default:
		return nil, statusError(http.MethodPut, path, resp.StatusCode, body)
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("PUT %s: %w: response is not JSON", path, ErrMalformedPayload)
	}
	version := gjson.GetBytes(body, "version")
	if version.Type != gjson.Number {
		return nil, fmt.Errorf("PUT %s: %w: missing version", path, ErrMalformedPayload)
	}
	res := &UploadResult{
		ETag:    unquoteETag(resp.Header.Get("ETag")),
		Version: version.Int(),
	}
	if res.ETag == "" {
		res.ETag = gjson.GetBytes(body, "etag").String()
	}
	if ts := gjson.GetBytes(body, "updated_at"); ts.Exists() {
		res.ModifiedAt, _ = parseTime(ts)
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, body []byte) (*http.Response, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, &TransientError{Err: fmt.Errorf("rate limit wait: %w", err)}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, nil, &TransientError{Err: fmt.Errorf("%s %s: %w", method, path, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, &TransientError{Err: fmt.Errorf("reading response from %s: %w", path, err)}
	}
	c.logger.Debug("remote request",
		zap.String("method", method), zap.String("path", path),
		zap.Int("status", resp.StatusCode), zap.Duration("elapsed", time.Since(start)))
	return resp, respBody, nil
}

func statusError(method, path string, code int, body []byte) error {
	err := &StatusError{Method: method, Path: path, Code: code, Body: sanitizeResponseBody(body)}
	if isTransientStatus(code) {
		return &TransientError{Err: err}
	}
	return err
}

// parseEntity validates a fetched document. id, updated_at and version are
// required; etag is optional in the body because the header takes
// precedence.
func parseEntity(body []byte) (*Entity, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: not JSON", ErrMalformedPayload)
	}
	fields := gjson.GetManyBytes(body, "id", "updated_at", "version", "etag")
	id, updated, version, etag := fields[0], fields[1], fields[2], fields[3]

	if id.Type != gjson.String || id.Str == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedPayload)
	}
	if version.Type != gjson.Number {
		return nil, fmt.Errorf("%w: missing version", ErrMalformedPayload)
	}
	modified, err := parseTime(updated)
	if err != nil {
		return nil, fmt.Errorf("%w: updated_at: %v", ErrMalformedPayload, err)
	}
	return &Entity{
		ID:         id.Str,
		Version:    version.Int(),
		ModifiedAt: modified,
		ETag:       etag.String(),
		Data:       body,
	}, nil
}

// parseTime accepts RFC 3339 strings or Unix milliseconds.
func parseTime(r gjson.Result) (time.Time, error) {
	switch r.Type {
	case gjson.Number:
		return time.UnixMilli(r.Int()), nil
	case gjson.String:
		return time.Parse(time.RFC3339Nano, r.Str)
	}
	return time.Time{}, errors.New("missing timestamp")
}

func quoteETag(tag string) string {
	if strings.HasPrefix(tag, `"`) || strings.HasPrefix(tag, "W/") {
		return tag
	}
	return `"` + tag + `"`
}

func unquoteETag(tag string) string {
	tag = strings.TrimPrefix(tag, "W/")
	return strings.Trim(tag, `"`)
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}
	var clean []byte
	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]
			continue
		}
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}
		body = body[size:]
	}
	return string(clean)
}
