/*
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.
*/

// Package blobfs implements internal/store.BlobStore on the local
// filesystem with a content-addressed layout:
// {root}/{hash[0:2]}/{hash[2:4]}/{hash}.
package blobfs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"

	"github.com/mailcove/coremail/internal/store"
)

// Store represents a directory on disk used to hold blobs.
type Store struct {
	Root string
}

func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("blobfs: %w", err)
	}
	return &Store{Root: root}, nil
}

func (s *Store) pathFor(hash string) string {
	return filepath.Join(s.Root, hash[0:2], hash[2:4], hash)
}

// Put buffers r to a temporary file while hashing it, then renames into
// its content-addressed location. The temp-file-then-rename dance keeps a
// concurrent Open from ever observing a partially written blob.
func (s *Store) Put(ctx context.Context, r io.Reader, size int64) (string, error) {
	tmpName := make([]byte, 16)
	if _, err := rand.Read(tmpName); err != nil {
		return "", fmt.Errorf("blobfs: %w", err)
	}
	tmpPath := filepath.Join(s.Root, "tmp-"+hex.EncodeToString(tmpName))
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("blobfs: %w", err)
	}
	defer os.Remove(tmpPath)

	h, err := blake2b.New256(nil)
	if err != nil {
		f.Close()
		return "", fmt.Errorf("blobfs: %w", err)
	}

	if _, err := io.Copy(f, io.TeeReader(r, h)); err != nil {
		f.Close()
		return "", fmt.Errorf("blobfs: write: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("blobfs: %w", err)
	}

	hash := hex.EncodeToString(h.Sum(nil))
	dest := s.pathFor(hash)
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return "", fmt.Errorf("blobfs: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		if os.IsExist(err) {
			// Same content already stored; the body store never mutates
			// an existing blob, so this is a no-op success.
			return hash, nil
		}
		return "", fmt.Errorf("blobfs: rename: %w", err)
	}
	return hash, nil
}

func (s *Store) Open(_ context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(s.pathFor(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNoSuchBlob
		}
		return nil, err
	}
	return f, nil
}

// ListAllPaths walks the content-addressed tree and returns every blob
// hash currently on disk. Used by store.GCSweep.
func (s *Store) ListAllPaths(_ context.Context) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(s.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.Root, path)
		if err != nil {
			return err
		}
		if filepath.Base(rel) == rel {
			// Stray file directly under Root (e.g. leftover tmp-*), skip.
			return nil
		}
		paths = append(paths, filepath.Base(rel))
		return nil
	})
	return paths, err
}

// Delete removes blobs outright. It is only ever invoked by the
// reference-count GC sweep (internal/store.GCSweep), never inline on a
// per-message delete, since bodies may be shared between threads/drafts.
func (s *Store) Delete(_ context.Context, paths []string) error {
	for _, p := range paths {
		if err := os.Remove(s.pathFor(p)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
