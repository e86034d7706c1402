package go_mdnsd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// ConfigurationStore is the persisted key/value settings used to (re)start the advertisement.
type ConfigurationStore interface {
	GetLastAddress() string
	GetLastPort() int
	GetLastName() string
	GetPriorityList() PriorityList

	SetLastAddress(address string) error
	SetLastPort(port int) error
	SetLastName(name string) error
	SetPriorityList(list PriorityList) error
}

// AppState is a ConfigurationStore backed by a JSON file. Concurrent access from
// multiple processes is serialized with a lock file next to it.
type AppState struct {
	sync.Mutex

	path string
	lock *flock.Flock

	LastAddress  string       `json:"last_address"`
	LastPort     int          `json:"last_port"`
	LastName     string       `json:"last_name"`
	PriorityList PriorityList `json:"priority_list"`
}

func (s *AppState) Read(stateDir string) error {
	s.Lock()
	defer s.Unlock()

	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return fmt.Errorf("failed creating state directory: %w", err)
	}

	s.path = filepath.Join(stateDir, "state.json")
	s.lock = flock.New(s.path + ".lock")

	if err := s.lock.RLock(); err != nil {
		return fmt.Errorf("failed locking app state: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	content, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed reading app state: %w", err)
	}

	if err := json.Unmarshal(content, s); err != nil {
		return fmt.Errorf("failed unmarshalling app state: %w", err)
	}

	return nil
}

func (s *AppState) write() error {
	if len(s.path) == 0 {
		// not backed by a file, keep values in memory only
		return nil
	}

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("failed locking app state: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	// Create a temporary file, and overwrite the old file.
	// This is a way to atomically replace files.
	// The file is created with mode 0o600 so we don't need to change the mode.
	tmpFile, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed creating temporary file for app state: %w", err)
	}

	if err := json.NewEncoder(tmpFile).Encode(s); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpFile.Name())
		return fmt.Errorf("failed writing marshalled app state: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpFile.Name())
		return fmt.Errorf("failed closing temporary app state: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), s.path); err != nil {
		return fmt.Errorf("failed replacing app state file: %w", err)
	}

	return nil
}

func (s *AppState) GetLastAddress() string {
	s.Lock()
	defer s.Unlock()
	return s.LastAddress
}

func (s *AppState) GetLastPort() int {
	s.Lock()
	defer s.Unlock()
	return s.LastPort
}

func (s *AppState) GetLastName() string {
	s.Lock()
	defer s.Unlock()
	return s.LastName
}

func (s *AppState) GetPriorityList() PriorityList {
	s.Lock()
	defer s.Unlock()
	return append(PriorityList(nil), s.PriorityList...)
}

func (s *AppState) SetLastAddress(address string) error {
	s.Lock()
	defer s.Unlock()
	s.LastAddress = address
	return s.write()
}

func (s *AppState) SetLastPort(port int) error {
	s.Lock()
	defer s.Unlock()
	s.LastPort = port
	return s.write()
}

func (s *AppState) SetLastName(name string) error {
	s.Lock()
	defer s.Unlock()
	s.LastName = name
	return s.write()
}

func (s *AppState) SetPriorityList(list PriorityList) error {
	s.Lock()
	defer s.Unlock()
	s.PriorityList = append(PriorityList(nil), list...)
	return s.write()
}
