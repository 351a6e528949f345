// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package objectstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/flowkeep/flowkeep/internal/apierr"
)

// FilesystemStore is a Store backed by a local directory tree. It exists
// for local development and tests, where standing up a real object store
// is unnecessary ceremony.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore builds a FilesystemStore rooted at dir, creating it if
// absent.
func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apierr.Wrap(apierr.CodeEnvInvalid, "failed to create object store root", err)
	}
	return &FilesystemStore{root: dir}, nil
}

// Put writes data to root/key, creating any intermediate directories the
// key implies, and returns key itself as the reference.
func (s *FilesystemStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	path, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", apierr.Wrap(apierr.CodeEnvInvalid, "failed to create object directory", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", apierr.Wrap(apierr.CodeEnvInvalid, "failed to write object", err)
	}
	return key, nil
}

// Get reads the object referenced by ref (a key as returned by Put).
func (s *FilesystemStore) Get(ctx context.Context, ref string) ([]byte, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierr.Wrap(apierr.CodeNotFound, "object not found", err)
		}
		return nil, apierr.Wrap(apierr.CodeEnvInvalid, "failed to read object", err)
	}
	return data, nil
}

// resolve maps a key to a path under root, rejecting any key that would
// escape it.
func (s *FilesystemStore) resolve(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	path := filepath.Join(s.root, clean)
	if !strings.HasPrefix(path, filepath.Clean(s.root)+string(os.PathSeparator)) && path != filepath.Clean(s.root) {
		return "", apierr.New(apierr.CodeBadRequest, "object key escapes store root")
	}
	return path, nil
}
