package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// MemoryDriver keeps objects in a map. Test use only.
type MemoryDriver struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{objects: make(map[string][]byte)}
}

func (d *MemoryDriver) Name() string { return "memory" }

func objectKey(bucket, key string) string { return bucket + "/" + key }

func (d *MemoryDriver) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	data, ok := d.objects[objectKey(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("object %s/%s not found", bucket, key)
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), data...))), nil
}

func (d *MemoryDriver) Put(ctx context.Context, bucket, key string, data io.Reader) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.objects[objectKey(bucket, key)] = buf
	return nil
}

func (d *MemoryDriver) Delete(ctx context.Context, bucket, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.objects, objectKey(bucket, key))
	return nil
}

func (d *MemoryDriver) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var keys []string
	bucketPrefix := bucket + "/"
	for k := range d.objects {
		if !strings.HasPrefix(k, bucketPrefix) {
			continue
		}
		rel := strings.TrimPrefix(k, bucketPrefix)
		if prefix == "" || strings.HasPrefix(rel, prefix) {
			keys = append(keys, rel)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (d *MemoryDriver) Exists(ctx context.Context, bucket, key string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.objects[objectKey(bucket, key)]
	return ok, nil
}

// ObjectCount reports stored object count, handy for orphan checks in tests
func (d *MemoryDriver) ObjectCount(bucket string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for k := range d.objects {
		if strings.HasPrefix(k, bucket+"/") {
			n++
		}
	}
	return n
}
