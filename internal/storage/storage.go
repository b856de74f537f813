// Package storage persists conversations and messages.
//
// Two backends implement MessageStore: a directory of JSON documents guarded
// by advisory file locks, and a single SQLite database.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned when a document, message or conversation does not exist.
	ErrNotFound = errors.New("not found")
)

// Tree is a file-based JSON document tree. A key is a path of segments,
// the last of which names a "<segment>.json" file.
type Tree struct {
	root  string
	mu    sync.Mutex
	locks map[string]*FileLock
}

// NewTree creates a document tree rooted at dir.
func NewTree(dir string) *Tree {
	return &Tree{
		root:  dir,
		locks: make(map[string]*FileLock),
	}
}

// Root returns the directory the tree is rooted at.
func (t *Tree) Root() string {
	return t.root
}

func (t *Tree) file(key []string) string {
	return filepath.Join(append([]string{t.root}, key...)...) + ".json"
}

func (t *Tree) dir(key []string) string {
	return filepath.Join(append([]string{t.root}, key...)...)
}

// Read decodes the document at key into v.
func (t *Tree) Read(ctx context.Context, key []string, v any) error {
	data, err := os.ReadFile(t.file(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", strings.Join(key, "/"), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", strings.Join(key, "/"), err)
	}
	return nil
}

// Write encodes v and replaces the document at key atomically.
func (t *Tree) Write(ctx context.Context, key []string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", strings.Join(key, "/"), err)
	}
	return t.withLock(key, func(path string) error {
		return writeAtomic(path, data)
	})
}

// Update reads the document at key, applies fn and writes the result back
// while holding the document lock for the whole cycle.
func (t *Tree) Update(ctx context.Context, key []string, v any, fn func() error) error {
	return t.withLock(key, func(path string) error {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return ErrNotFound
			}
			return fmt.Errorf("read %s: %w", strings.Join(key, "/"), err)
		}
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode %s: %w", strings.Join(key, "/"), err)
		}
		if err := fn(); err != nil {
			return err
		}
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("encode %s: %w", strings.Join(key, "/"), err)
		}
		return writeAtomic(path, out)
	})
}

// Remove deletes the document at key. Missing documents are not an error.
func (t *Tree) Remove(ctx context.Context, key []string) error {
	return t.withLock(key, func(path string) error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", strings.Join(key, "/"), err)
		}
		return nil
	})
}

// Keys lists the document names directly under key in sorted order.
func (t *Tree) Keys(ctx context.Context, key []string) ([]string, error) {
	entries, err := os.ReadDir(t.dir(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", strings.Join(key, "/"), err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(names)
	return names, nil
}

func (t *Tree) withLock(key []string, fn func(path string) error) error {
	path := t.file(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	lock := t.lockFor(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", strings.Join(key, "/"), err)
	}
	defer lock.Unlock()

	return fn(path)
}

func (t *Tree) lockFor(path string) *FileLock {
	t.mu.Lock()
	defer t.mu.Unlock()

	lock, ok := t.locks[path]
	if !ok {
		lock = NewFileLock(path)
		t.locks[path] = lock
	}
	return lock
}

// writeAtomic writes to a sibling temp file and renames it into place.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
