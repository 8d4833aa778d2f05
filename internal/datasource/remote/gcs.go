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

package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSUploader mirrors a snapshot directory into a Google Cloud Storage
// bucket, one object per file, named prefix/<relative path>.
type GCSUploader struct {
	bucket string
	client *storage.Client
}

// NewGCSUploader constructs an uploader against bucket, using opts to
// configure the underlying client (e.g. option.WithCredentialsFile).
func NewGCSUploader(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCSUploader, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("remote: new GCS client: %w", err)
	}
	return &GCSUploader{bucket: bucket, client: client}, nil
}

// Upload implements Uploader.
func (u *GCSUploader) Upload(ctx context.Context, directory, prefix string) error {
	files, err := walkFiles(directory)
	if err != nil {
		return err
	}
	bkt := u.client.Bucket(u.bucket)
	for _, rel := range files {
		if err := u.uploadOne(ctx, bkt, filepath.Join(directory, rel), filepath.ToSlash(filepath.Join(prefix, rel))); err != nil {
			return fmt.Errorf("remote: upload %s to gs://%s/%s: %w", rel, u.bucket, prefix, err)
		}
	}
	return nil
}

func (u *GCSUploader) uploadOne(ctx context.Context, bkt *storage.BucketHandle, localPath, objectName string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bkt.Object(objectName).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Close releases the underlying client's resources.
func (u *GCSUploader) Close() error {
	return u.client.Close()
}
