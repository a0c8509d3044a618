package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	appLog "presenced/internal/log"
	"presenced/internal/model"
)

// ErrRemote marks a transient failure talking to the chat platform. Periodic
// tasks log it and retry on their next tick.
var ErrRemote = errors.New("remote status error")

// Sink abstracts the chat platform's status endpoint. An empty EmojiID means
// no status is currently set.
type Sink interface {
	GetRemoteStatus(ctx context.Context) (model.EmojiID, error)
	SetRemoteStatus(ctx context.Context, emoji model.EmojiID) error
}

// statusBody is the JSON shape exchanged with the status endpoint.
type statusBody struct {
	EmojiID string `json:"emoji_id"`
}

// HTTPSink talks to a status bridge over HTTP:
//   - GET  <url> -> {"emoji_id": "..."}
//   - PUT  <url> <- {"emoji_id": "..."}
type HTTPSink struct {
	client *http.Client
	url    string
	token  string
}

// NewHTTPSink constructs an HTTP-backed Sink. token, when non-empty, is sent
// as a bearer token.
func NewHTTPSink(url, token string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSink{
		client: &http.Client{Timeout: timeout},
		url:    url,
		token:  token,
	}
}

func (s *HTTPSink) GetRemoteStatus(ctx context.Context) (model.EmojiID, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return "", err
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: get: %v", ErrRemote, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: get: %s", ErrRemote, resp.Status)
	}
	var body statusBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrRemote, err)
	}
	return model.EmojiID(body.EmojiID), nil
}

func (s *HTTPSink) SetRemoteStatus(ctx context.Context, emoji model.EmojiID) error {
	payload, err := json.Marshal(statusBody{EmojiID: string(emoji)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: set: %v", ErrRemote, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: set: %s", ErrRemote, resp.Status)
	}
	return nil
}

func (s *HTTPSink) authorize(req *http.Request) {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
}

// MemorySink keeps the status in memory. It backs dry-run mode (no remote
// configured) and tests.
type MemorySink struct {
	mu      sync.Mutex
	current model.EmojiID
	writes  int
	failGet error
	failSet error
}

// NewMemorySink returns a sink whose current status is initial.
func NewMemorySink(initial model.EmojiID) *MemorySink {
	return &MemorySink{current: initial}
}

func (m *MemorySink) GetRemoteStatus(_ context.Context) (model.EmojiID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet != nil {
		return "", m.failGet
	}
	return m.current, nil
}

func (m *MemorySink) SetRemoteStatus(_ context.Context, emoji model.EmojiID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet != nil {
		return m.failSet
	}
	m.writes++
	appLog.Info("status set (memory sink)", "emoji", emoji, "previous", m.current)
	m.current = emoji
	return nil
}

// Set changes the status as if someone edited it outside the engine.
func (m *MemorySink) Set(emoji model.EmojiID) {
	m.mu.Lock()
	m.current = emoji
	m.mu.Unlock()
}

// Current returns the stored status.
func (m *MemorySink) Current() model.EmojiID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Writes returns how many successful SetRemoteStatus calls were made.
func (m *MemorySink) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// FailWith makes subsequent reads and writes return the given errors.
// nil clears the failure.
func (m *MemorySink) FailWith(getErr, setErr error) {
	m.mu.Lock()
	m.failGet = getErr
	m.failSet = setErr
	m.mu.Unlock()
}
