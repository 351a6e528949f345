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
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/flowkeep/flowkeep/internal/apierr"
)

// MinIOConfig configures the S3-compatible object store backend.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// MinIOStore is a Store backed by any S3-compatible object store (MinIO,
// S3 itself, etc.) via minio-go/v7.
type MinIOStore struct {
	client *minio.Client
	bucket string
}

// NewMinIOStore connects to the configured endpoint and ensures the target
// bucket exists.
func NewMinIOStore(ctx context.Context, cfg MinIOConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeEnvInvalid, "failed to create object store client", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeEnvInvalid, "failed to check object store bucket", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, apierr.Wrap(apierr.CodeEnvInvalid, "failed to create object store bucket", err)
		}
	}

	return &MinIOStore{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads data under key and returns "bucket/key" as the reference.
func (s *MinIOStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", apierr.Wrap(apierr.CodeBadGateway, "failed to upload object", err)
	}
	return fmt.Sprintf("%s/%s", s.bucket, key), nil
}

// Get downloads the object referenced by ref ("bucket/key").
func (s *MinIOStore) Get(ctx context.Context, ref string) ([]byte, error) {
	key, err := keyFromRef(ref, s.bucket)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeBadGateway, "failed to fetch object", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeBadGateway, "failed to read object body", err)
	}
	return data, nil
}

func keyFromRef(ref, bucket string) (string, error) {
	prefix := bucket + "/"
	if len(ref) <= len(prefix) || ref[:len(prefix)] != prefix {
		return "", apierr.New(apierr.CodeBadRequest, fmt.Sprintf("object ref %q is not in bucket %q", ref, bucket))
	}
	return ref[len(prefix):], nil
}

// NewKey generates a collision-resistant key under a logical prefix.
func NewKey(prefix string) string {
	return fmt.Sprintf("%s/%s", prefix, uuid.New().String())
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
