// Copyright 2025 The Samply Community
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

package store

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
)

// localHandle is a Handle on the local filesystem.
type localHandle struct {
	path string
}

// Local returns a Handle for the given path on the local filesystem. The
// path is converted to an absolute one so that URI stays stable regardless
// of later working-directory changes.
func Local(path string) (Handle, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("error while resolving path %s: %w", path, err)
	}
	return localHandle{path: abs}, nil
}

func (h localHandle) Name() string {
	return filepath.Base(h.path)
}

func (h localHandle) URI() string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(h.path)}
	return u.String()
}

func (h localHandle) Exists() (bool, error) {
	_, err := os.Stat(h.path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (h localHandle) Mkdir() error {
	return os.MkdirAll(h.path, 0755)
}

func (h localHandle) Child(name string) Handle {
	return localHandle{path: filepath.Join(h.path, name)}
}

// WriteAll creates the file non-destructively and streams r into it. An
// already existing file is an error so that two exports can never silently
// interleave their results.
func (h localHandle) WriteAll(r io.Reader) (int64, error) {
	file, err := os.OpenFile(h.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, fmt.Errorf("could not create the output file %s: %w", h.path, err)
	}

	written, err := io.Copy(file, r)
	if err != nil {
		file.Close()
		return written, fmt.Errorf("could not write to the output file %s: %w", h.path, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return written, err
	}
	return written, file.Close()
}
