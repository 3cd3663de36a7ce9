package db

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// SnapshotStore keeps the most recent raw event record per asset.
// Put returns a location that Get accepts later.
type SnapshotStore interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
	Get(ctx context.Context, location string) ([]byte, error)
}

// FileSnapshots writes one JSON file per asset into a directory.
type FileSnapshots struct {
	dir string
}

func NewFileSnapshots(dir string) *FileSnapshots {
	return &FileSnapshots{dir: dir}
}

func (s *FileSnapshots) Put(ctx context.Context, name string, data []byte) (string, error) {
	path := filepath.Join(s.dir, name)
	if err := writeFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

func (s *FileSnapshots) Get(ctx context.Context, location string) ([]byte, error) {
	data, err := os.ReadFile(location)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotExist
	}
	return data, err
}

// MinIOSnapshots stores snapshots as objects in a bucket.
type MinIOSnapshots struct {
	mc     *minio.Client
	bucket string
	prefix string
}

// MinIOOpts configures the snapshot bucket.
type MinIOOpts struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseTLS    bool
	Bucket    string
	Prefix    string
}

func NewMinIOSnapshots(o MinIOOpts) (*MinIOSnapshots, error) {
	mc, err := minio.New(o.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(o.AccessKey, o.SecretKey, ""),
		Secure: o.UseTLS,
	})
	if err != nil {
		return nil, err
	}
	return &MinIOSnapshots{mc: mc, bucket: o.Bucket, prefix: strings.Trim(o.Prefix, "/")}, nil
}

// EnsureBucket creates the bucket on first use.
func (s *MinIOSnapshots) EnsureBucket(ctx context.Context) error {
	exists, err := s.mc.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return s.mc.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
	}
	return nil
}

func (s *MinIOSnapshots) objectName(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *MinIOSnapshots) Put(ctx context.Context, name string, data []byte) (string, error) {
	obj := s.objectName(name)
	_, err := s.mc.PutObject(ctx, s.bucket, obj, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("put %s/%s: %w", s.bucket, obj, err)
	}
	return s.bucket + "/" + obj, nil
}

func (s *MinIOSnapshots) Get(ctx context.Context, location string) ([]byte, error) {
	obj, ok := strings.CutPrefix(location, s.bucket+"/")
	if !ok {
		return nil, fmt.Errorf("snapshot %q is not in bucket %s", location, s.bucket)
	}
	o, err := s.mc.GetObject(ctx, s.bucket, obj, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer o.Close()

	data, err := io.ReadAll(o)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotExist
		}
		return nil, err
	}
	return data, nil
}
