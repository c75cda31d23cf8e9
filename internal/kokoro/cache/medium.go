package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

var (
	// ErrNoKey is returned by a Medium when the key is absent.
	ErrNoKey = errors.New("cache: key not found")
	// ErrUnavailable is returned by a Medium that has been disabled.
	ErrUnavailable = errors.New("cache: storage unavailable")
	// ErrQuotaExceeded is returned when a write would exceed the medium quota.
	ErrQuotaExceeded = errors.New("cache: quota exceeded")
)

// Medium is a local key-value facility the cache stores its entries in.
// Implementations may fail at any time; the cache treats every failure as
// "no cache".
type Medium interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
	Keys() ([]string, error)
}

// MemoryMedium is an in-process Medium with an optional byte quota.
// It is safe for concurrent use.
type MemoryMedium struct {
	mu       sync.Mutex
	data     map[string][]byte
	used     int
	quota    int
	disabled bool
}

// NewMemoryMedium returns an empty medium. A quota of zero means unlimited.
func NewMemoryMedium(quota int) *MemoryMedium {
	return &MemoryMedium{data: make(map[string][]byte), quota: quota}
}

// Disable makes every subsequent operation fail with ErrUnavailable.
func (m *MemoryMedium) Disable() {
	m.mu.Lock()
	m.disabled = true
	m.mu.Unlock()
}

// Enable reverses Disable.
func (m *MemoryMedium) Enable() {
	m.mu.Lock()
	m.disabled = false
	m.mu.Unlock()
}

func (m *MemoryMedium) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disabled {
		return nil, ErrUnavailable
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNoKey
	}
	return slices.Clone(v), nil
}

func (m *MemoryMedium) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disabled {
		return ErrUnavailable
	}
	next := m.used - len(m.data[key]) + len(value)
	if m.quota > 0 && next > m.quota {
		return ErrQuotaExceeded
	}
	m.data[key] = slices.Clone(value)
	m.used = next
	return nil
}

func (m *MemoryMedium) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disabled {
		return ErrUnavailable
	}
	m.used -= len(m.data[key])
	delete(m.data, key)
	return nil
}

func (m *MemoryMedium) Keys() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disabled {
		return nil, ErrUnavailable
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

// DirMedium stores each key as a file in a directory. It lets the terminal
// client keep its cache across runs.
type DirMedium struct {
	dir string
}

// NewDirMedium creates dir if needed and returns a medium rooted at it.
func NewDirMedium(dir string) (*DirMedium, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cache: create dir: %w", err)
	}
	return &DirMedium{dir: dir}, nil
}

func (d *DirMedium) path(key string) string {
	return filepath.Join(d.dir, strings.ReplaceAll(key, string(filepath.Separator), "_")+".json")
}

func (d *DirMedium) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(d.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoKey
	}
	return data, err
}

func (d *DirMedium) Set(key string, value []byte) error {
	tmp := d.path(key) + ".tmp"
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, d.path(key))
}

func (d *DirMedium) Remove(key string) error {
	err := os.Remove(d.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (d *DirMedium) Keys() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".json"))
	}
	return keys, nil
}

var (
	_ Medium = (*MemoryMedium)(nil)
	_ Medium = (*DirMedium)(nil)
)
