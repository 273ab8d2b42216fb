package remote

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Options{BaseURL: srv.URL + "/", Token: "secret"}, nil)
	require.NoError(t, err)
	return c
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(Options{BaseURL: "not a url"}, nil)
	assert.Error(t, err)
}

func TestFetchNotModified(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages/m1", r.URL.Path)
		assert.Equal(t, `"abc"`, r.Header.Get("If-None-Match"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNotModified)
	})

	res, err := c.Fetch(context.Background(), "message", "m1", "abc")
	require.NoError(t, err)
	assert.True(t, res.NotModified)
	assert.Nil(t, res.Entity)
}

func TestFetchEntity(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("If-None-Match"))
		w.Header().Set("ETag", `"v7"`)
		_, _ = io.WriteString(w, `{"id":"m1","updated_at":"2024-05-01T10:00:00Z","version":7,"body":"hi"}`)
	})

	res, err := c.Fetch(context.Background(), "message", "m1", "")
	require.NoError(t, err)
	require.NotNil(t, res.Entity)
	assert.Equal(t, "m1", res.Entity.ID)
	assert.Equal(t, int64(7), res.Entity.Version)
	assert.Equal(t, "v7", res.Entity.ETag)
	assert.True(t, res.Entity.ModifiedAt.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))
	assert.Contains(t, string(res.Entity.Data), `"body":"hi"`)
}

func TestFetchEntityMillisAndBodyETag(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"m1","updated_at":50,"version":2,"etag":"body-tag"}`)
	})

	res, err := c.Fetch(context.Background(), "message", "m1", "")
	require.NoError(t, err)
	assert.Equal(t, "body-tag", res.Entity.ETag)
	assert.Equal(t, time.UnixMilli(50), res.Entity.ModifiedAt)
}

func TestFetchErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
		target    error
	}{
		{"not found", http.StatusNotFound, "", false, ErrNotFound},
		{"rate limited", http.StatusTooManyRequests, "slow down", true, nil},
		{"unavailable", http.StatusServiceUnavailable, "", true, nil},
		{"timeout", http.StatusRequestTimeout, "", true, nil},
		{"forbidden", http.StatusForbidden, "no", false, nil},
		{"not json", http.StatusOK, "<html>", false, ErrMalformedPayload},
		{"missing version", http.StatusOK, `{"id":"m1","updated_at":1}`, false, ErrMalformedPayload},
		{"missing id", http.StatusOK, `{"updated_at":1,"version":1}`, false, ErrMalformedPayload},
		{"bad timestamp", http.StatusOK, `{"id":"m1","updated_at":"yesterday","version":1}`, false, ErrMalformedPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := c.Fetch(context.Background(), "message", "m1", "")
			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err))
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
		})
	}
}

func TestFetchNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := NewClient(Options{BaseURL: url, Timeout: time.Second}, nil)
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), "message", "m1", "")
	assert.True(t, IsTransient(err))
}

func TestUpload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/v1/messages/m1", r.URL.Path)
		assert.Equal(t, `"old"`, r.Header.Get("If-Match"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"id":"m1"}`, string(body))
		w.Header().Set("ETag", `W/"new"`)
		_, _ = io.WriteString(w, `{"version":8,"updated_at":1000}`)
	})

	res, err := c.Upload(context.Background(), "message", "m1", "old", []byte(`{"id":"m1"}`))
	require.NoError(t, err)
	assert.Equal(t, "new", res.ETag)
	assert.Equal(t, int64(8), res.Version)
	assert.Equal(t, time.UnixMilli(1000), res.ModifiedAt)
}

func TestUploadErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/messages/stale":
			w.WriteHeader(http.StatusPreconditionFailed)
		case "/v1/messages/noversion":
			_, _ = io.WriteString(w, `{"etag":"x"}`)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	})
	ctx := context.Background()

	_, err := c.Upload(ctx, "message", "stale", "e", []byte(`{}`))
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	_, err = c.Upload(ctx, "message", "noversion", "", []byte(`{}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = c.Upload(ctx, "message", "other", "", []byte(`{}`))
	assert.True(t, IsTransient(err))
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.Code)

	_, err = c.Upload(ctx, "message", "m1", "", []byte(`{broken`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestSanitizeResponseBody(t *testing.T) {
	assert.Equal(t, "a?b", sanitizeResponseBody([]byte("a\x01b")))
	assert.Len(t, sanitizeResponseBody(make([]byte, 1000)), 256)
}
