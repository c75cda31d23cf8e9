// Package remote is a store.Store that talks to a Kokoro server's memory
// API. The terminal client uses it so memory lives on the server.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/bdobrica/kokoro/common/version"
	"github.com/bdobrica/kokoro/internal/kokoro/schema"
	"github.com/bdobrica/kokoro/internal/kokoro/store"
)

// UserHeader carries the user id on memory API requests.
const UserHeader = "X-Kokoro-User"

// StatusError is returned for unexpected HTTP statuses.
type StatusError struct {
	Status int
	Body   string
}

func (e StatusError) Error() string {
	return fmt.Sprintf("remote store: HTTP %d: %s", e.Status, e.Body)
}

// IsStatusError reports whether err (or anything it wraps) is a StatusError.
func IsStatusError(err error) bool {
	var se StatusError
	return errors.As(err, &se)
}

// Store is a store.Store backed by the HTTP memory API.
type Store struct {
	client *resty.Client
}

// New returns a client for the server at baseURL.
func New(baseURL string, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", version.UserAgent()).
		SetTimeout(timeout)
	return &Store{client: c}
}

func (s *Store) request(ctx context.Context) (*resty.Request, error) {
	userID, err := store.UserFrom(ctx)
	if err != nil {
		return nil, err
	}
	return s.client.R().SetContext(ctx).SetHeader(UserHeader, userID), nil
}

func memoryPath(characterID string) string {
	return "/v1/memory/" + url.PathEscape(characterID)
}

func (s *Store) Load(ctx context.Context, characterID string) (schema.PersistentMemory, error) {
	req, err := s.request(ctx)
	if err != nil {
		return schema.PersistentMemory{}, err
	}
	var m schema.PersistentMemory
	resp, err := req.SetResult(&m).Get(memoryPath(characterID))
	if err != nil {
		return schema.PersistentMemory{}, fmt.Errorf("remote store: load: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return m.Normalize(), nil
	case http.StatusNotFound:
		return schema.PersistentMemory{}, store.ErrNotFound
	default:
		return schema.PersistentMemory{}, StatusError{Status: resp.StatusCode(), Body: resp.String()}
	}
}

func (s *Store) Save(ctx context.Context, characterID string, m schema.PersistentMemory) error {
	req, err := s.request(ctx)
	if err != nil {
		return err
	}
	resp, err := req.SetBody(m.Normalize()).Put(memoryPath(characterID))
	if err != nil {
		return fmt.Errorf("remote store: save: %w", err)
	}
	if resp.IsError() {
		return StatusError{Status: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

func (s *Store) Reset(ctx context.Context, characterID string) error {
	req, err := s.request(ctx)
	if err != nil {
		return err
	}
	resp, err := req.Delete(memoryPath(characterID))
	if err != nil {
		return fmt.Errorf("remote store: reset: %w", err)
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return StatusError{Status: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

var _ store.Store = (*Store)(nil)
