// SPDX-License-Identifier: GPL-2.0-or-later

// Package storage manages the recording archive: environment configuration,
// the recordings directory, disk usage accounting and purging.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"recmux/pkg/log"

	"gopkg.in/yaml.v3"
)

// Manager handles the storage directory.
type Manager struct {
	storageDir   string
	storageDirFS fs.FS
	disk         *disk

	removeAll func(string) error
	logger    *log.Logger
}

// NewManager returns a new manager.
func NewManager(env *ConfigEnv, logger *log.Logger) *Manager {
	storageDirFS := os.DirFS(env.StorageDir)
	return &Manager{
		storageDir:   env.StorageDir,
		storageDirFS: storageDirFS,
		disk:         newDisk(storageDirFS, env.MaxDiskUsageBytes()),

		removeAll: os.RemoveAll,
		logger:    logger,
	}
}

// RecordingsDir returns the path to the recordings directory.
func (s *Manager) RecordingsDir() string {
	return filepath.Join(s.storageDir, "recordings")
}

// DiskUsageCached returns the cached value and its age.
func (s *Manager) DiskUsageCached() (DiskUsage, time.Duration) {
	return s.disk.usageCached()
}

// DiskUsage returns the cached value if it is within maxAge.
// Will update and return a fresh value if the cached value is too old.
func (s *Manager) DiskUsage(maxAge time.Duration) DiskUsage {
	return s.disk.usage(maxAge)
}

// Usage above this percentage of the configured maximum triggers a purge.
const purgeThresholdPercent = 99

// purge deletes the oldest recording if disk usage is above the threshold.
func (s *Manager) purge() error {
	usage := s.DiskUsage(10 * time.Minute)
	if usage.Percent < purgeThresholdPercent {
		return nil
	}

	entries, err := fs.ReadDir(s.storageDirFS, "recordings")
	if err != nil {
		return fmt.Errorf("read recordings directory: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	// Identifiers sort chronologically, so the first entry belongs to the
	// oldest recording. Delete every file that shares its identifier.
	oldestID := trimExt(entries[0].Name())
	for _, entry := range entries {
		if trimExt(entry.Name()) != oldestID {
			continue
		}
		path := filepath.Join(s.RecordingsDir(), entry.Name())
		if err := s.removeAll(path); err != nil {
			return fmt.Errorf("remove recording file: %w", err)
		}
	}
	return nil
}

func trimExt(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// PurgeLoop runs purge on an interval until the context is canceled.
func (s *Manager) PurgeLoop(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			if err := s.purge(); err != nil {
				s.logger.Error().
					Src("storage").
					Msgf("could not purge storage: %v", err)
			}
		}
	}
}

// Only used to calculate and cache disk usage.
type disk struct {
	storageDirFS   fs.FS
	maxBytes       int64
	diskUsageBytes func(fs.FS) int64

	cache      DiskUsage
	lastUpdate time.Time
	cacheLock  sync.Mutex

	updateLock sync.Mutex
}

func newDisk(storageDirFS fs.FS, maxBytes int64) *disk {
	return &disk{
		storageDirFS:   storageDirFS,
		maxBytes:       maxBytes,
		diskUsageBytes: diskUsageBytes,
	}
}

func (d *disk) usageCached() (DiskUsage, time.Duration) {
	d.cacheLock.Lock()
	defer d.cacheLock.Unlock()

	return d.cache, time.Since(d.lastUpdate)
}

// usage returns the cached value if it is within maxAge.
// Will update and return a fresh value if the cached value is too old.
func (d *disk) usage(maxAge time.Duration) DiskUsage {
	maxTime := time.Now().Add(-maxAge)

	d.cacheLock.Lock()
	if d.lastUpdate.After(maxTime) {
		defer d.cacheLock.Unlock()
		return d.cache
	}
	d.cacheLock.Unlock()

	// Cache is too old, acquire update lock and update it.
	d.updateLock.Lock()
	defer d.updateLock.Unlock()

	// Check if it was updated while we were waiting for the update lock.
	d.cacheLock.Lock()
	if d.lastUpdate.After(maxTime) {
		defer d.cacheLock.Unlock()
		return d.cache
	}
	// Still outdated.
	d.cacheLock.Unlock()

	updatedUsage := d.calculateDiskUsage()

	d.cacheLock.Lock()
	d.cache = updatedUsage
	d.lastUpdate = time.Now()
	d.cacheLock.Unlock()

	return updatedUsage
}

func (d *disk) calculateDiskUsage() DiskUsage {
	used := d.diskUsageBytes(d.storageDirFS)

	percent := func() int {
		if used == 0 || d.maxBytes == 0 {
			return 0
		}
		return int((used * 100) / d.maxBytes)
	}()

	return DiskUsage{
		Used:      used,
		Percent:   percent,
		Max:       d.maxBytes / int64(gigabyte),
		Formatted: formatDiskUsage(float64(used)),
	}
}

// DiskUsage in bytes.
type DiskUsage struct {
	Used      int64
	Percent   int
	Max       int64 // Gigabytes.
	Formatted string
}

const (
	kilobyte float64 = 1000
	megabyte         = kilobyte * 1000
	gigabyte         = megabyte * 1000
	terabyte         = gigabyte * 1000
)

func formatDiskUsage(used float64) string {
	switch {
	case used < 1000*megabyte:
		return fmt.Sprintf("%.0fMB", used/megabyte)
	case used < 10*gigabyte:
		return fmt.Sprintf("%.2fGB", used/gigabyte)
	case used < 100*gigabyte:
		return fmt.Sprintf("%.1fGB", used/gigabyte)
	case used < 1000*gigabyte:
		return fmt.Sprintf("%.0fGB", used/gigabyte)
	case used < 10*terabyte:
		return fmt.Sprintf("%.2fTB", used/terabyte)
	case used < 100*terabyte:
		return fmt.Sprintf("%.1fTB", used/terabyte)
	default:
		return fmt.Sprintf("%.0fTB", used/terabyte)
	}
}

func diskUsageBytes(fileSystem fs.FS) int64 {
	var used int64
	fs.WalkDir(fileSystem, ".", func(_ string, d fs.DirEntry, err error) error { //nolint:errcheck
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		used += info.Size()

		return nil
	})
	return used
}

// ConfigEnv stores the environment configuration.
type ConfigEnv struct {
	StorageDir string `yaml:"storageDir"`
	LogDir     string `yaml:"logDir"`

	// Size the storage directory may grow to in gigabytes.
	// Zero means no limit, disabling the purge loop.
	MaxDiskUsage float64 `yaml:"maxDiskUsageGB"`

	ConfigDir string
}

// ErrPathNotAbsolute path is not absolute.
var ErrPathNotAbsolute = errors.New("path is not absolute")

// NewConfigEnv returns a new environment configuration with defaults applied.
func NewConfigEnv(envPath string, envYAML []byte) (*ConfigEnv, error) {
	var env ConfigEnv

	if err := yaml.Unmarshal(envYAML, &env); err != nil {
		return nil, fmt.Errorf("unmarshal env.yaml: %w", err)
	}

	env.ConfigDir = filepath.Dir(envPath)

	if env.StorageDir == "" {
		env.StorageDir = filepath.Join(env.ConfigDir, "storage")
	}
	if env.LogDir == "" {
		env.LogDir = filepath.Join(env.StorageDir, "logs")
	}

	if !filepath.IsAbs(env.StorageDir) {
		return nil, fmt.Errorf("storageDir '%v': %w", env.StorageDir, ErrPathNotAbsolute)
	}
	if !filepath.IsAbs(env.LogDir) {
		return nil, fmt.Errorf("logDir '%v': %w", env.LogDir, ErrPathNotAbsolute)
	}

	return &env, nil
}

// RecordingsDir returns the path to the recordings directory.
func (env ConfigEnv) RecordingsDir() string {
	return filepath.Join(env.StorageDir, "recordings")
}

// MaxDiskUsageBytes returns the configured limit in bytes. Zero means no limit.
func (env ConfigEnv) MaxDiskUsageBytes() int64 {
	return int64(env.MaxDiskUsage * gigabyte)
}

// PrepareEnvironment creates the directories the recorder writes to.
func (env ConfigEnv) PrepareEnvironment() error {
	err := os.MkdirAll(env.RecordingsDir(), 0o700)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create recordings directory: %v: %w", env.RecordingsDir(), err)
	}

	err = os.MkdirAll(env.LogDir, 0o700)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create log directory: %v: %w", env.LogDir, err)
	}

	return nil
}
