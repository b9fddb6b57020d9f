package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	appLog "recurcal/internal/log"
	"recurcal/internal/model"
)

const watchDebounce = 250 * time.Millisecond

// FileStore keeps the master list as one JSON document.
type FileStore struct {
	path string

	mu sync.Mutex
	// lastSum is the digest of the last document this process wrote, so
	// Watch can ignore its own writes.
	lastSum [sha256.Size]byte
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string { return s.path }

// Load reads the list. A missing file is an empty list.
func (s *FileStore) Load(_ context.Context) (model.MasterList, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.MasterList{}, nil
		}
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return model.MasterList{}, nil
	}

	var list model.MasterList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Save writes the list atomically via a temp file + rename with 0600
// permissions.
func (s *FileStore) Save(_ context.Context, list model.MasterList) error {
	if list == nil {
		list = model.MasterList{}
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".recurcal-events-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Rename(tmpName, s.path); err != nil {
		return err
	}
	s.lastSum = sha256.Sum256(data)
	return nil
}

func (s *FileStore) Close() error { return nil }

// Watch calls onChange after the file is changed by another writer. Events
// are debounced to ride out editors that write in several steps. It blocks
// until ctx is done.
func (s *FileStore) Watch(ctx context.Context, onChange func()) error {
	return s.watch(ctx, onChange, nil)
}

// watch closes ready, if non-nil, once the directory is being watched.
func (s *FileStore) watch(ctx context.Context, onChange func(), ready chan<- struct{}) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	fire := func() {
		if s.isOwnWrite() {
			return
		}
		onChange()
	}
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, fire)
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				debounce()
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			appLog.Error("store watch error", werr, "path", s.path)
		}
	}
}

func (s *FileStore) isOwnWrite() bool {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return sha256.Sum256(data) == s.lastSum
}
