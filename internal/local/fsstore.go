// Package local runs the pipeline on one machine: files on disk stand in for
// the bucket, DuckDB for the warehouse and job collection, and an in-process
// bus for Pub/Sub and the delayed retry workflow.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FSStore is an object store rooted at a directory. Object names are slash
// separated paths below the root.
type FSStore struct {
	root string
}

// NewFSStore returns a store over root, creating the directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store root %s: %w", root, err)
	}
	return &FSStore{root: root}, nil
}

// Root returns the store's directory.
func (s *FSStore) Root() string { return s.root }

// Path maps an object name to its file.
func (s *FSStore) Path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

// List returns every object whose name starts with prefix, sorted.
func (s *FSStore) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s under %s: %w", prefix, s.root, err)
	}
	sort.Strings(names)
	return names, nil
}

// Open opens an object for reading.
func (s *FSStore) Open(_ context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(name))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	return f, nil
}

// Write creates an object. An existing object is left untouched, matching the
// create-if-absent writes of the bucket store.
func (s *FSStore) Write(_ context.Context, name string, data []byte) error {
	p := s.Path(name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", name, err)
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(p)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return f.Close()
}

// Exists reports whether an object is present.
func (s *FSStore) Exists(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(s.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", name, err)
	}
	return true, nil
}

// Remove deletes objects. Missing objects are ignored.
func (s *FSStore) Remove(_ context.Context, names ...string) error {
	var errs []error
	for _, name := range names {
		if err := os.Remove(s.Path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Compose concatenates srcs into dst, replacing dst.
func (s *FSStore) Compose(ctx context.Context, dst string, srcs []string) error {
	p := s.Path(dst)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dst, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".compose-*")
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer os.Remove(tmp.Name())

	for _, src := range srcs {
		if err := ctx.Err(); err != nil {
			tmp.Close()
			return err
		}
		if err := appendFile(tmp, s.Path(src)); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to compose %s from %s: %w", dst, src, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to finish %s: %w", dst, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", dst, err)
	}
	return nil
}

func appendFile(w io.Writer, p string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
