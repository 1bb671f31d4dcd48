package objstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// LocalDriver stores chunks on the local filesystem
type LocalDriver struct {
	basePath string
	logger   *zap.Logger
}

func NewLocalDriver(basePath string, logger *zap.Logger) *LocalDriver {
	return &LocalDriver{basePath: basePath, logger: logger}
}

func (d *LocalDriver) Name() string { return "local" }

func (d *LocalDriver) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	fullPath := filepath.Join(d.basePath, bucket, key)

	d.logger.Debug("LocalDriver.Get",
		zap.String("bucket", bucket),
		zap.String("key", key))

	f, err := os.Open(fullPath) // #nosec G304 - path rooted at basePath
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("object %s/%s not found", bucket, key)
		}
		return nil, err
	}
	return f, nil
}

func (d *LocalDriver) Put(ctx context.Context, bucket, key string, data io.Reader) error {
	fullPath := filepath.Join(d.basePath, bucket, key)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0750); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	// Write to a temp file then rename so a partial write is never visible
	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".put-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("finalize object: %w", err)
	}
	return nil
}

func (d *LocalDriver) Delete(ctx context.Context, bucket, key string) error {
	fullPath := filepath.Join(d.basePath, bucket, key)
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (d *LocalDriver) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	bucketPath := filepath.Join(d.basePath, bucket)
	var keys []string

	err := filepath.Walk(bucketPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(bucketPath, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if prefix == "" || strings.HasPrefix(rel, prefix) {
			keys = append(keys, rel)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return keys, nil
}

func (d *LocalDriver) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := os.Stat(filepath.Join(d.basePath, bucket, key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
