package rcchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps one JSON file per snapshot slice in a directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create data directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the data directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(slice string) string {
	return filepath.Join(s.dir, slice+".json")
}

func (s *FileStore) Load(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap Snapshot
	var errs []error
	if err := s.read(sliceCurrentUser, &snap.CurrentUser); err != nil {
		errs = append(errs, err)
	}
	if err := s.read(sliceUsers, &snap.Users); err != nil {
		errs = append(errs, err)
	}
	if err := s.read(sliceGroups, &snap.Groups); err != nil {
		errs = append(errs, err)
	}
	if err := s.read(sliceChats, &snap.Chats); err != nil {
		errs = append(errs, err)
	}
	return snap, errors.Join(errs...)
}

func (s *FileStore) SaveCurrentUser(ctx context.Context, u *User) error {
	return s.write(sliceCurrentUser, u)
}

func (s *FileStore) SaveUsers(ctx context.Context, users []User) error {
	return s.write(sliceUsers, users)
}

func (s *FileStore) SaveGroups(ctx context.Context, groups []Group) error {
	return s.write(sliceGroups, groups)
}

func (s *FileStore) SaveChats(ctx context.Context, chats []Chat) error {
	return s.write(sliceChats, chats)
}

// read leaves v untouched when the slice was never saved.
func (s *FileStore) read(slice string, v any) error {
	data, err := os.ReadFile(s.path(slice))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", slice, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cannot parse %s: %w", slice, err)
	}
	return nil
}

func (s *FileStore) write(slice string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cannot marshal %s: %w", slice, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, slice+".*.tmp")
	if err != nil {
		return fmt.Errorf("cannot write %s: %w", slice, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("cannot write %s: %w", slice, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("cannot write %s: %w", slice, err)
	}
	if err := os.Rename(tmp.Name(), s.path(slice)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("cannot write %s: %w", slice, err)
	}
	return nil
}
