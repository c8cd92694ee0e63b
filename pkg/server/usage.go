package server

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sync"
	"time"
)

const usageCacheDuration = 10 * time.Second

// UsageMonitor reports how much disk the stored datasets take, caching the
// result so frequent polling does not rescan the tree.
type UsageMonitor struct {
	dir        string
	cachedSize int64
	cachedN    int
	lastCheck  time.Time
	mu         sync.Mutex
}

// NewUsageMonitor creates a monitor for dir
func NewUsageMonitor(dir string) *UsageMonitor {
	return &UsageMonitor{dir: dir}
}

// Dir returns the monitored directory
func (m *UsageMonitor) Dir() string {
	return m.dir
}

// Usage returns the total size in bytes and number of files under dir.
// A directory that does not exist yet is empty.
func (m *UsageMonitor) Usage() (int64, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lastCheck.IsZero() && time.Since(m.lastCheck) < usageCacheDuration {
		return m.cachedSize, m.cachedN, nil
	}

	var size int64
	var n int
	err := filepath.WalkDir(m.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		n++
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, 0, err
	}

	m.cachedSize, m.cachedN, m.lastCheck = size, n, time.Now()
	return size, n, nil
}
