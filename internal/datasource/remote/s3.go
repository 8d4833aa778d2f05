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
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Uploader mirrors a snapshot directory into an S3 bucket, one
// object per file, named prefix/<relative path>.
type S3Uploader struct {
	bucket string
	client *s3.Client
}

// NewS3Uploader constructs an uploader against bucket, loading AWS
// credentials and region from the default SDK chain (environment,
// shared config, or the instance role).
func NewS3Uploader(ctx context.Context, bucket string) (*S3Uploader, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("remote: load AWS config: %w", err)
	}
	return &S3Uploader{bucket: bucket, client: s3.NewFromConfig(cfg)}, nil
}

// Upload implements Uploader.
func (u *S3Uploader) Upload(ctx context.Context, directory, prefix string) error {
	files, err := walkFiles(directory)
	if err != nil {
		return err
	}
	for _, rel := range files {
		key := filepath.ToSlash(filepath.Join(prefix, rel))
		if err := u.uploadOne(ctx, filepath.Join(directory, rel), key); err != nil {
			return fmt.Errorf("remote: upload %s to s3://%s/%s: %w", rel, u.bucket, key, err)
		}
	}
	return nil
}

func (u *S3Uploader) uploadOne(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	return err
}
