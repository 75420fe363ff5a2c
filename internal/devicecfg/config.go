// Package devicecfg owns the agent's persisted configuration. A single Store
// is the only writer; other components receive copies.
package devicecfg

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

const (
	CurrentVersion   = 1
	DefaultServerURL = "http://localhost:5000"
)

var ErrUnsupportedVersion = errors.New("unsupported device config version")

type Config struct {
	Version   int    `json:"version"`
	DeviceID  string `json:"deviceId"`
	ServerURL string `json:"serverUrl"`
	// OwnerToken is the agent token obtained by pairing.
	OwnerToken string `json:"ownerToken,omitempty"`
	OwnerID    string `json:"ownerId,omitempty"`
	SavedAt    int64  `json:"savedAt"`
}

func (c Config) Paired() bool { return c.OwnerToken != "" && c.OwnerID != "" }

// DefaultPath is <user config dir>/desklink/agent.json.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "desklink", "agent.json")
}

// Load reads the config at path without creating it.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse %s", path)
	}
	if cfg.Version != CurrentVersion {
		return Config{}, errors.Wrapf(ErrUnsupportedVersion, "%s has version %d", path, cfg.Version)
	}
	return cfg, nil
}

type Store struct {
	mu     sync.Mutex
	path   string
	cfg    Config
	logger *log.Logger
}

// Open loads the config at path, creating it with a fresh device id on first
// run. An existing device id is never replaced.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	s := &Store{path: path, logger: logger}

	cfg, err := Load(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		cfg = Config{Version: CurrentVersion}
	default:
		return nil, err
	}

	dirty := false
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		logger.Printf("device config: generated device id %s", cfg.DeviceID)
		dirty = true
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = DefaultServerURL
		dirty = true
	}
	if dirty {
		if err := s.persist(&cfg); err != nil {
			return nil, err
		}
	}
	s.cfg = cfg
	return s, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Get() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Update applies fn to a copy of the config and persists it. The in-memory
// config changes only if the write succeeds. Version and DeviceID are fixed.
func (s *Store) Update(fn func(*Config)) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg
	fn(&next)
	next.Version = s.cfg.Version
	next.DeviceID = s.cfg.DeviceID
	if err := s.persist(&next); err != nil {
		return s.cfg, err
	}
	s.cfg = next
	return next, nil
}

func (s *Store) persist(cfg *Config) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrapf(err, "device config: mkdir %s", dir)
	}

	cfg.SavedAt = time.Now().UnixMilli()
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "device config: marshal")
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "device config: create temp")
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "device config: chmod temp")
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "device config: write temp")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "device config: sync temp")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "device config: close temp")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return errors.Wrap(err, "device config: rename")
	}
	return nil
}
