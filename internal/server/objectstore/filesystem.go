package objectstore

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/traingrid/traingrid/internal/common/griderrors"
)

// FilesystemStore stores objects as files under root, sharded by the first
// two characters of the key to keep directories small. Writes go to a temp
// file that is fsynced and renamed into place, so a crash can leave a stale
// temp file but never a half-written object.
type FilesystemStore struct {
	root string
}

func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	return &FilesystemStore{root: root}, nil
}

func (s *FilesystemStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, "/\\") || strings.Contains(key, "..") {
		return "", errors.WithStack(&griderrors.ErrInvalidArgument{
			Name:    "key",
			Value:   key,
			Message: "object keys must be flat names",
		})
	}
	shard := key
	if len(shard) > 2 {
		shard = key[:2]
	}
	return filepath.Join(s.root, shard, key), nil
}

func (s *FilesystemStore) Put(_ context.Context, key string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return errors.WithStack(&griderrors.ErrAlreadyExists{Type: "object", Value: key})
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.WithStack(err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+key+".tmp-*")
	if err != nil {
		return errors.WithStack(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.WithStack(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.WithStack(err)
	}
	if err := tmp.Close(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp.Name(), path))
}

func (s *FilesystemStore) Get(_ context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.WithStack(&griderrors.ErrNotFound{Type: "object", Value: key})
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return data, nil
}

func (s *FilesystemStore) Head(_ context.Context, key string) (*ObjectInfo, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	stat, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, errors.WithStack(&griderrors.ErrNotFound{Type: "object", Value: key})
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &ObjectInfo{Key: key, Size: stat.Size(), ModTime: stat.ModTime()}, nil
}

func (s *FilesystemStore) Delete(_ context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return errors.WithStack(&griderrors.ErrNotFound{Type: "object", Value: key})
	}
	return errors.WithStack(err)
}

func (s *FilesystemStore) List(_ context.Context) ([]string, error) {
	keys := []string{}
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		// Abandoned temp files from crashed writes are not objects.
		if strings.HasPrefix(name, ".") {
			return nil
		}
		keys = append(keys, name)
		return nil
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return keys, nil
}
