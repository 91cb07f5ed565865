package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"go.uber.org/zap"

	"tilecache/internal/tile"
)

const tempPrefix = ".tmp-"

// FileStore keeps one file per tile.
// Structure: {root}/{layer}/{gridset}/{level}/{parameterid}/{x}_{y}.{ext}
//
// A tile's creation time is kept as the file's modification time.
type FileStore struct {
	fs   billy.Filesystem
	root string // local directory behind fs, empty when fs is not the local disk
	log  *zap.Logger
}

var _ Store = &FileStore{}

// NewFileStore creates a file store rooted at dir on the local disk.
func NewFileStore(dir string, log *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	s := NewFileStoreFS(osfs.New(dir), log)
	s.root = dir
	return s, nil
}

// NewFileStoreFS creates a file store on an arbitrary billy filesystem.
func NewFileStoreFS(fs billy.Filesystem, log *zap.Logger) *FileStore {
	return &FileStore{
		fs:  fs,
		log: log.Named("filestore"),
	}
}

// filePath builds the absolute path of a tile inside the store filesystem.
func filePath(key tile.Key) string {
	return "/" + key.CanonicalPath()
}

func (s *FileStore) Get(_ context.Context, key tile.Key) (*tile.Object, error) {
	p := filePath(key)

	info, err := s.fs.Stat(p)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("Unreadable tile treated as miss", zap.String("path", p), zap.Error(err))
		}
		return nil, nil
	}
	if info.IsDir() {
		s.log.Warn("Unreadable tile treated as miss", zap.String("path", p), zap.Error(ErrCorruptEntry))
		return nil, nil
	}

	data, err := util.ReadFile(s.fs, p)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("Unreadable tile treated as miss", zap.String("path", p), zap.Error(err))
		}
		return nil, nil
	}

	return &tile.Object{Key: key, Blob: data, CreatedAt: info.ModTime()}, nil
}

// Put writes to a temporary file in the target directory and renames it into place.
func (s *FileStore) Put(_ context.Context, obj *tile.Object) error {
	if err := obj.Key.Validate(); err != nil {
		return storeError("put", "", err)
	}

	p := filePath(obj.Key)
	dir := path.Dir(p)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return storeError("put", p, err)
	}

	tmp, err := s.fs.TempFile(dir, tempPrefix)
	if err != nil {
		return storeError("put", p, err)
	}
	tmpName := tmp.Name()

	if err := writeAndClose(tmp, obj.Blob); err != nil {
		s.fs.Remove(tmpName)
		return storeError("put", p, err)
	}

	if err := s.fs.Rename(tmpName, p); err != nil {
		s.fs.Remove(tmpName)
		return storeError("put", p, err)
	}

	if !obj.CreatedAt.IsZero() {
		if err := s.setModTime(p, obj.CreatedAt); err != nil {
			s.log.Warn("Failed to record tile creation time", zap.String("path", p), zap.Error(err))
		}
	}
	return nil
}

// setModTime stamps the file at p with t. Filesystems that cannot change times
// keep the time of the write.
func (s *FileStore) setModTime(p string, t time.Time) error {
	if ch, ok := s.fs.(billy.Change); ok {
		return ch.Chtimes(p, t, t)
	}
	if s.root != "" {
		return os.Chtimes(filepath.Join(s.root, filepath.FromSlash(p)), t, t)
	}
	return nil
}

func writeAndClose(f billy.File, data []byte) error {
	n, err := f.Write(data)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *FileStore) Delete(_ context.Context, key tile.Key) (bool, error) {
	p := filePath(key)
	if err := s.fs.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, storeError("delete", p, err)
	}
	return true, nil
}

func (s *FileStore) DeleteMatching(_ context.Context, p tile.Pattern) (bool, error) {
	root := "/" + strings.TrimSuffix(p.Prefix(), "/")

	if _, err := s.fs.Stat(root); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, storeError("delete", root, err)
	}

	if p.IsPrefixOnly() {
		if err := util.RemoveAll(s.fs, root); err != nil {
			return false, storeError("delete", root, err)
		}
		s.log.Info("Removed tile directory", zap.String("path", root))
		return true, nil
	}

	var matched []string
	err := util.Walk(s.fs, root, func(name string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), tempPrefix) {
			return nil
		}
		if p.MatchesPath(strings.TrimPrefix(name, "/")) {
			matched = append(matched, name)
		}
		return nil
	})
	if err != nil {
		return false, storeError("delete", root, err)
	}

	removed := false
	for _, name := range matched {
		if err := s.fs.Remove(name); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return removed, storeError("delete", name, err)
		}
		removed = true
	}

	s.log.Info("Removed matching tiles", zap.String("path", root), zap.Int("count", len(matched)))
	return removed, nil
}
