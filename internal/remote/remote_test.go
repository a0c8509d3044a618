package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presenced/internal/model"
)

func TestHTTPSinkRoundTrip(t *testing.T) {
	var (
		mu      sync.Mutex
		current = "111"
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(statusBody{EmojiID: current})
		case http.MethodPut:
			var body statusBody
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			current = body.EmojiID
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	sink := NewHTTPSink(srv.URL, "secret", time.Second)

	got, err := sink.GetRemoteStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.EmojiID("111"), got)

	require.NoError(t, sink.SetRemoteStatus(ctx, "222"))
	got, err = sink.GetRemoteStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.EmojiID("222"), got)
}

func TestHTTPSinkErrorsAreRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx := context.Background()
	sink := NewHTTPSink(srv.URL, "", time.Second)

	_, err := sink.GetRemoteStatus(ctx)
	assert.ErrorIs(t, err, ErrRemote)
	assert.ErrorIs(t, sink.SetRemoteStatus(ctx, "x"), ErrRemote)
}

func TestHTTPSinkHonoursContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewHTTPSink(srv.URL, "", 10*time.Second).GetRemoteStatus(ctx)
	assert.ErrorIs(t, err, ErrRemote)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestMemorySink(t *testing.T) {
	ctx := context.Background()
	m := NewMemorySink("a")

	require.NoError(t, m.SetRemoteStatus(ctx, "b"))
	assert.Equal(t, model.EmojiID("b"), m.Current())
	assert.Equal(t, 1, m.Writes())

	m.FailWith(nil, ErrRemote)
	assert.ErrorIs(t, m.SetRemoteStatus(ctx, "c"), ErrRemote)
	assert.Equal(t, 1, m.Writes())
}
