package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"tilecache/internal/tile"
)

// S3Config configures an object storage backend.
type S3Config struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	Prefix    string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	AccessKey string `json:"accessKey,omitempty" yaml:"accessKey,omitempty"`
	SecretKey string `json:"-" yaml:"secretKey,omitempty"`
	UseSSL    bool   `json:"useSSL" yaml:"useSSL"`

	// Client overrides the client built from the fields above.
	Client *minio.Client `json:"-" yaml:"-"`
}

func (c S3Config) Validate() error {
	if c.Client == nil && c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if c.Bucket == "" {
		return errors.New("bucket is required")
	}
	return nil
}

// S3Store keeps one object per tile, named by the tile's canonical path under an
// optional prefix. A single PUT replaces an object atomically for readers.
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
	log    *zap.Logger
}

var _ Store = &S3Store{}

// NewS3Store connects to the bucket, creating it when missing.
func NewS3Store(ctx context.Context, cfg S3Config, log *zap.Logger) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid s3 config: %w", err)
	}

	client := cfg.Client
	if client == nil {
		var err error
		client, err = minio.New(cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: cfg.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create minio client: %w", err)
		}
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
	}

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}

	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
		log:    log.Named("s3store"),
	}, nil
}

func (s *S3Store) objectName(key tile.Key) string {
	return s.prefix + key.CanonicalPath()
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func (s *S3Store) Get(ctx context.Context, key tile.Key) (*tile.Object, error) {
	name := s.objectName(key)

	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		s.log.Warn("Unreadable tile treated as miss", zap.String("object", name), zap.Error(err))
		return nil, nil
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		if !isNotFound(err) {
			s.log.Warn("Unreadable tile treated as miss", zap.String("object", name), zap.Error(err))
		}
		return nil, nil
	}

	data, err := io.ReadAll(obj)
	if err == nil && int64(len(data)) != info.Size {
		err = fmt.Errorf("%w: read %d of %d bytes", ErrCorruptEntry, len(data), info.Size)
	}
	if err != nil {
		s.log.Warn("Unreadable tile treated as miss", zap.String("object", name), zap.Error(err))
		return nil, nil
	}

	return &tile.Object{Key: key, Blob: data, CreatedAt: info.LastModified}, nil
}

func (s *S3Store) Put(ctx context.Context, obj *tile.Object) error {
	if err := obj.Key.Validate(); err != nil {
		return storeError("put", "", err)
	}

	name := s.objectName(obj.Key)
	_, err := s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(obj.Blob), obj.Size(), minio.PutObjectOptions{
		ContentType: obj.Key.Format,
	})
	if err != nil {
		return storeError("put", name, err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, key tile.Key) (bool, error) {
	name := s.objectName(key)

	if _, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, storeError("delete", name, err)
	}

	if err := s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{}); err != nil {
		return false, storeError("delete", name, err)
	}
	return true, nil
}

// DeleteMatching lists objects under the pattern's literal prefix and removes the ones
// whose path matches.
func (s *S3Store) DeleteMatching(ctx context.Context, p tile.Pattern) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listPrefix := s.prefix + p.Prefix()
	toRemove := make(chan minio.ObjectInfo)

	var (
		listErr error
		matched int
	)
	go func() {
		defer close(toRemove)
		for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
			Prefix:    listPrefix,
			Recursive: true,
		}) {
			if info.Err != nil {
				listErr = info.Err
				return
			}
			if !p.MatchesPath(strings.TrimPrefix(info.Key, s.prefix)) {
				continue
			}
			select {
			case toRemove <- info:
				matched++
			case <-ctx.Done():
				return
			}
		}
	}()

	var removeErr error
	for rerr := range s.client.RemoveObjects(ctx, s.bucket, toRemove, minio.RemoveObjectsOptions{}) {
		if removeErr == nil {
			removeErr = fmt.Errorf("%s: %w", rerr.ObjectName, rerr.Err)
		}
	}

	if listErr != nil {
		return matched > 0, storeError("delete", listPrefix, listErr)
	}
	if removeErr != nil {
		return matched > 0, storeError("delete", listPrefix, removeErr)
	}

	s.log.Info("Removed matching tiles", zap.String("prefix", listPrefix), zap.Int("count", matched))
	return matched > 0, nil
}
