package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokenSource struct {
	token       string
	platformURL string
	invalidated int32
}

func (f *fakeTokenSource) Token(ctx context.Context) (string, string, error) {
	return f.token, f.platformURL, nil
}

func (f *fakeTokenSource) Invalidate() {
	atomic.AddInt32(&f.invalidated, 1)
	f.token = "refreshed-token"
}

func TestClient_ReportEvent_SendsBearerTokenAndSucceedsOn200(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, http.MethodPatch, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tokens := &fakeTokenSource{token: "tok-1", platformURL: srv.URL}
	c := NewClient(tokens, 2)

	err := c.ReportEvent(context.Background(), EventReport{Kind: "alarm", Hostname: "worker-1"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-1", gotAuth)
}

func TestClient_ReportEvent_ReauthenticatesOnceOn401(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tokens := &fakeTokenSource{token: "stale-token", platformURL: srv.URL}
	c := NewClient(tokens, 3)

	err := c.ReportEvent(context.Background(), EventReport{Kind: "alarm"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), tokens.invalidated)
	assert.Equal(t, 2, calls)
}

func TestClient_ReportEvent_GivesUpAfterRepeatedAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &fakeTokenSource{token: "bad-token", platformURL: srv.URL}
	c := NewClient(tokens, 3)

	err := c.ReportEvent(context.Background(), EventReport{Kind: "alarm"})
	assert.Error(t, err)
}

func TestClient_ReportEvent_DoesNotRetryOnClientError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	tokens := &fakeTokenSource{token: "tok", platformURL: srv.URL}
	c := NewClient(tokens, 5)

	err := c.ReportEvent(context.Background(), EventReport{Kind: "alarm"})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
