package profile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Debounce window for editor write bursts when the profile file changes.
const reloadDebounce = 100 * time.Millisecond

// Document is the on-disk shape of the profile file: the profile list and the
// theme setting, each under a single well-known key.
type Document struct {
	Profiles []Profile `yaml:"profiles"`
	Theme    string    `yaml:"theme,omitempty"`
}

// Store owns the persisted profile list. It loads the file once at
// construction and can watch it for changes, notifying subscribers whenever
// the set of profiles is replaced.
type Store struct {
	path string

	mu       sync.RWMutex
	profiles []Profile
	theme    string

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func()
}

// NewStore reads and validates the profile file at path.
func NewStore(path string) (*Store, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve profile path: %w", err)
	}

	s := &Store{
		path: absPath,
		subs: make(map[int]func()),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Profiles returns a copy of the current profile list.
func (s *Store) Profiles() []Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Profile, len(s.profiles))
	copy(out, s.profiles)
	return out
}

// Theme returns the persisted theme setting.
func (s *Store) Theme() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.theme
}

// Lookup finds a profile by id, falling back to the display name.
func (s *Store) Lookup(key string) (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.profiles {
		if p.ID == key {
			return p, true
		}
	}
	for _, p := range s.profiles {
		if p.Name == key {
			return p, true
		}
	}
	return Profile{}, false
}

// Subscribe registers fn to run after every successful reload. The returned
// function removes the subscription.
func (s *Store) Subscribe(fn func()) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

// Watch reloads the store when the profile file changes, until ctx is done.
// The parent directory is watched rather than the file itself so that
// editors replacing the file via rename keep triggering events.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create profile watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch profile directory: %w", err)
	}

	go func() {
		defer watcher.Close()

		var pending *time.Timer
		for {
			select {
			case <-ctx.Done():
				if pending != nil {
					pending.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != s.path {
					continue
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(reloadDebounce, func() {
					if err := s.reload(); err != nil {
						slog.Warn("profile reload failed, keeping previous profiles", "path", s.path, "err", err)
						return
					}
					slog.Info("profiles reloaded", "path", s.path, "count", len(s.Profiles()))
					s.notify()
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("profile watcher error", "err", err)
			}
		}
	}()

	return nil
}

func (s *Store) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read profile file %q: %w", s.path, err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse profile file %q: %w", s.path, err)
	}

	seen := make(map[string]struct{}, len(doc.Profiles))
	for _, p := range doc.Profiles {
		if err := Validate(p); err != nil {
			return fmt.Errorf("profile file %q: %w", s.path, err)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("profile file %q: duplicate profile id %q", s.path, p.ID)
		}
		seen[p.ID] = struct{}{}
	}

	s.mu.Lock()
	s.profiles = doc.Profiles
	s.theme = doc.Theme
	s.mu.Unlock()
	return nil
}

func (s *Store) notify() {
	s.subMu.Lock()
	fns := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
