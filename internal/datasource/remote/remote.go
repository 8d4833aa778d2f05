// Copyright 2024 The Authors.
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

// Package remote implements the optional snapshot mirrors from
// SPEC_FULL.md's component M: uploaders that push a snapshot()
// output directory to object storage for off-box durability. A mirror
// is entirely optional and never sits on the read/write hot path —
// the data source calls it, if configured, only after a local
// snapshot has already completed.
package remote

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Uploader mirrors the files under a local snapshot directory to some
// object storage namespace under prefix.
type Uploader interface {
	Upload(ctx context.Context, directory, prefix string) error
}

// walkFiles lists every regular file under directory, recursing into
// subdirectories (a snapshot directory holds the index subdirectories:
// see internal/datasource.Snapshot), returning paths relative to
// directory.
func walkFiles(directory string) ([]string, error) {
	entries, err := os.ReadDir(directory)
	if err != nil {
		return nil, fmt.Errorf("remote: read snapshot dir %s: %w", directory, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			sub, err := walkFiles(filepath.Join(directory, e.Name()))
			if err != nil {
				return nil, err
			}
			for _, f := range sub {
				files = append(files, filepath.Join(e.Name(), f))
			}
			continue
		}
		files = append(files, e.Name())
	}
	return files, nil
}
