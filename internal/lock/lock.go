// Package lock implements a cooperative, filesystem-level mutex keyed by node
// hash. Independent deptags processes sharing a cache directory use it to
// avoid building the same node's tags at the same time.
//
// A lock is a file created with O_CREATE|O_EXCL, so two processes can never
// both observe "no lock" and proceed. The file is removed when the protected
// work ends. A process killed mid-build leaves the file behind; it stays
// visible to the operator (see List and Remove) until removed by hand.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/acheong08/deptags/internal/identity"
)

// Entry describes a lock file on disk.
type Entry struct {
	Hash    string    `json:"hash"`
	Name    string    `json:"name"`
	PID     int       `json:"pid"`
	Host    string    `json:"host,omitempty"`
	Created time.Time `json:"created"`
	Path    string    `json:"-"`
}

// Locker hands out lock tokens backed by files in a single directory.
type Locker struct {
	dir string
}

// New creates a locker over dir, creating the directory if needed.
func New(dir string) (*Locker, error) {
	if dir == "" {
		return nil, fmt.Errorf("lock directory is not set")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &Locker{dir: dir}, nil
}

// Dir returns the lock directory.
func (l *Locker) Dir() string {
	return l.dir
}

// Path returns the lock file path for a hash.
func (l *Locker) Path(h identity.Hash) string {
	return filepath.Join(l.dir, h.String())
}

// TryAcquire atomically creates the lock file for h. When another holder
// already owns it, TryAcquire returns ok == false and a nil error: the caller
// is expected to skip the node, not to wait.
func (l *Locker) TryAcquire(h identity.Hash, name string) (*Token, bool, error) {
	path := l.Path(h)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to create lock file: %w", err)
	}

	host, _ := os.Hostname()
	entry := Entry{
		Hash:    h.String(),
		Name:    name,
		PID:     os.Getpid(),
		Host:    host,
		Created: time.Now().UTC(),
	}
	// the lock is held from the moment the file exists; its body is only a
	// courtesy for the operator
	if err := json.NewEncoder(file).Encode(entry); err != nil {
		file.Close()
		os.Remove(path)
		return nil, false, fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return nil, false, fmt.Errorf("failed to write lock file: %w", err)
	}

	return &Token{path: path}, true, nil
}

// With runs fn while holding the lock for h. It reports ok == false without
// calling fn when the lock is held elsewhere. The lock is released on every
// exit path of fn, including a panic.
func (l *Locker) With(h identity.Hash, name string, fn func() error) (ok bool, err error) {
	token, ok, err := l.TryAcquire(h, name)
	if err != nil || !ok {
		return ok, err
	}
	defer func() {
		if releaseErr := token.Release(); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()
	return true, fn()
}

// List returns the lock files currently present, oldest first.
func (l *Locker) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read lock directory: %w", err)
	}

	var entries []Entry
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() {
			continue
		}
		if _, err := identity.ParseHash(dirEntry.Name()); err != nil {
			continue
		}

		path := filepath.Join(l.dir, dirEntry.Name())
		entry := Entry{Hash: dirEntry.Name(), Path: path}
		if data, err := os.ReadFile(path); err == nil {
			// a lock written by a crashed process may be empty
			_ = json.Unmarshal(data, &entry)
			entry.Hash = dirEntry.Name()
		}
		if entry.Created.IsZero() {
			if info, err := dirEntry.Info(); err == nil {
				entry.Created = info.ModTime().UTC()
			}
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Created.Before(entries[j].Created)
	})
	return entries, nil
}

// Remove deletes the lock file for the hash given in its String form. Removing
// a lock that does not exist is not an error.
func (l *Locker) Remove(hash string) error {
	h, err := identity.ParseHash(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(l.Path(h)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// Token is a held lock.
type Token struct {
	path string
	once sync.Once
	err  error
}

// Path returns the lock file path.
func (t *Token) Path() string {
	return t.path
}

// Release removes the lock file. It is idempotent: later calls return the
// result of the first one, and a lock file already removed by someone else is
// not an error.
func (t *Token) Release() error {
	if t == nil {
		return nil
	}
	t.once.Do(func() {
		if err := os.Remove(t.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			t.err = fmt.Errorf("failed to remove lock file: %w", err)
		}
	})
	return t.err
}
