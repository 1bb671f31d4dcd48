package replication

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DirSource replicates a local state directory. An fsnotify watcher keeps
// a dirty set so steady-state rounds only carry what actually changed;
// the first round (and any round after a watch gap) falls back to a full
// scan keyed on modification times.
type DirSource struct {
	root    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu       sync.Mutex
	dirty    map[string]struct{}
	watching bool
}

func NewDirSource(root string, logger *zap.Logger) (*DirSource, error) {
	s := &DirSource{
		root:   root,
		dirty:  make(map[string]struct{}),
		logger: logger,
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Without a watcher every round is a full scan; correct, just slower
		logger.Warn("fsnotify unavailable, falling back to full scans", zap.Error(err))
		return s, nil
	}
	s.watcher = watcher

	if err := s.addWatches(root); err != nil {
		_ = watcher.Close()
		s.watcher = nil
		logger.Warn("watch setup failed, falling back to full scans", zap.Error(err))
		return s, nil
	}
	s.watching = true
	go s.collect()
	return s, nil
}

func (s *DirSource) addWatches(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return s.watcher.Add(path)
		}
		return nil
	})
}

func (s *DirSource) collect() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.mu.Lock()
			s.dirty[ev.Name] = struct{}{}
			s.mu.Unlock()
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = s.watcher.Add(ev.Name)
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("watch error", zap.Error(err))
			s.mu.Lock()
			s.watching = false // force a full scan next round
			s.mu.Unlock()
		}
	}
}

func (s *DirSource) Changed(ctx context.Context, since time.Time) ([]Item, error) {
	s.mu.Lock()
	useDirty := s.watching && !since.IsZero()
	dirty := s.dirty
	s.dirty = make(map[string]struct{})
	if !s.watching && s.watcher != nil {
		s.watching = true
	}
	s.mu.Unlock()

	if useDirty {
		return s.readSet(ctx, dirty)
	}
	return s.scan(ctx, since)
}

func (s *DirSource) readSet(ctx context.Context, paths map[string]struct{}) ([]Item, error) {
	var items []Item
	for path := range paths {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue // deleted or directory; directories carry no payload
		}
		data, err := os.ReadFile(path) // #nosec G304 - path under watched root
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			continue
		}
		items = append(items, Item{Path: filepath.ToSlash(rel), Data: data, ModTime: info.ModTime()})
	}
	return items, nil
}

func (s *DirSource) scan(ctx context.Context, since time.Time) ([]Item, error) {
	var items []Item
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() || !info.ModTime().After(since) {
			return nil
		}
		data, err := os.ReadFile(path) // #nosec G304 - path under replicated root
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		items = append(items, Item{Path: filepath.ToSlash(rel), Data: data, ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *DirSource) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
