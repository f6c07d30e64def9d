// Package quota holds durable backends for the tierrouter quota ledger.
package quota

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ineyio/tierrouter"
)

// FileDailyStore persists the daily heavy-call counter in a small YAML file.
// Only the current date is kept; a file for another date reads as zero.
type FileDailyStore struct {
	mu   sync.Mutex
	path string
}

var _ tierrouter.DailyStore = (*FileDailyStore)(nil)

type dailyFile struct {
	Date       string `yaml:"date"`
	HeavyCalls int64  `yaml:"heavy_calls"`
}

// NewFileDailyStore creates a store writing to path.
func NewFileDailyStore(path string) *FileDailyStore {
	return &FileDailyStore{path: path}
}

// Load returns the persisted count for date, or zero.
func (s *FileDailyStore) Load(_ context.Context, date string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("tierrouter/quota: read daily state: %w", err)
	}

	var st dailyFile
	if err := yaml.Unmarshal(data, &st); err != nil {
		return 0, fmt.Errorf("tierrouter/quota: parse daily state: %w", err)
	}
	if st.Date != date {
		return 0, nil
	}
	return st.HeavyCalls, nil
}

// Save replaces the file atomically. A save never lowers the count stored for
// the same date.
func (s *FileDailyStore) Save(_ context.Context, date string, calls int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if data, err := os.ReadFile(s.path); err == nil {
		var prev dailyFile
		if yaml.Unmarshal(data, &prev) == nil && prev.Date == date && prev.HeavyCalls > calls {
			return nil
		}
	}

	data, err := yaml.Marshal(dailyFile{Date: date, HeavyCalls: calls})
	if err != nil {
		return fmt.Errorf("tierrouter/quota: marshal daily state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("tierrouter/quota: create state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("tierrouter/quota: write daily state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("tierrouter/quota: replace daily state: %w", err)
	}
	return nil
}
