package users

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
)

// Record is the per-user entry of the authorization document.
type Record struct {
	// Forwarder is a chat that receives a copy of every delivered file.
	Forwarder *int64 `json:"forwarder,omitempty"`
}

type document struct {
	AuthorizedUsers map[string]Record `json:"authorized_users"`
}

// Store persists authorized users as one JSON document. The file is read on every
// check so hand edits take effect without a restart, and rewritten wholesale.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore returns a store backed by path. The file is created on first write.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// IsAuthorized reports whether uid was granted access.
func (s *Store) IsAuthorized(uid int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return false, err
	}
	_, ok := doc.AuthorizedUsers[key(uid)]
	return ok, nil
}

// Get returns the record of uid.
func (s *Store) Get(uid int64) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := doc.AuthorizedUsers[key(uid)]
	return rec, ok, nil
}

// Grant authorizes uid. Granting twice keeps the existing record.
func (s *Store) Grant(uid int64) error {
	return s.update(func(doc *document) error {
		if _, ok := doc.AuthorizedUsers[key(uid)]; !ok {
			doc.AuthorizedUsers[key(uid)] = Record{}
		}
		return nil
	})
}

// Revoke removes uid. Revoking an unknown user is not an error.
func (s *Store) Revoke(uid int64) error {
	return s.update(func(doc *document) error {
		delete(doc.AuthorizedUsers, key(uid))
		return nil
	})
}

// SetForwarder sets or clears (nil) the forwarding chat of an authorized user.
func (s *Store) SetForwarder(uid int64, chat *int64) error {
	return s.update(func(doc *document) error {
		rec, ok := doc.AuthorizedUsers[key(uid)]
		if !ok {
			return fmt.Errorf("user %d is not authorized", uid)
		}
		rec.Forwarder = chat
		doc.AuthorizedUsers[key(uid)] = rec
		return nil
	})
}

// List returns the authorized user ids, sorted.
func (s *Store) List() ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(doc.AuthorizedUsers))
	for k := range doc.AuthorizedUsers {
		if id, err := strconv.ParseInt(k, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) update(fn func(*document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.save(doc)
}

func (s *Store) load() (*document, error) {
	doc := &document{AuthorizedUsers: map[string]Record{}}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to parse users file: %w", err)
	}
	if doc.AuthorizedUsers == nil {
		doc.AuthorizedUsers = map[string]Record{}
	}
	return doc, nil
}

// save writes to a temp file in the same directory and renames it over the old one.
func (s *Store) save(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode users: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create users dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".users-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp users file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write users: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write users: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace users file: %w", err)
	}
	return nil
}

func key(uid int64) string { return strconv.FormatInt(uid, 10) }
