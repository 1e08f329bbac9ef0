// Package course loads and serves the course catalog. Each course lives
// in its own directory under the catalog root with an index.yaml plus the
// markdown files it references.
package course

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/courselab/courselab/internal/logger"
)

// reloadDebounce coalesces bursts of fsnotify events into one reload.
const reloadDebounce = 500 * time.Millisecond

// Registry loads courses from disk and serves read-only snapshots.
type Registry struct {
	dir string
	log *logger.Logger

	mu      sync.RWMutex
	courses map[string]*Course

	watcher *fsnotify.Watcher
	stop    chan struct{}
	once    sync.Once
}

// NewRegistry creates a registry over the given catalog directory.
func NewRegistry(dir string, log *logger.Logger) *Registry {
	return &Registry{
		dir:     dir,
		log:     log,
		courses: make(map[string]*Course),
		stop:    make(chan struct{}),
	}
}

// Load scans the catalog directory and replaces the cached courses.
// A course directory that fails to parse is skipped, not fatal.
func (r *Registry) Load() error {
	if _, err := os.Stat(r.dir); os.IsNotExist(err) {
		return fmt.Errorf("courses directory does not exist: %s", r.dir)
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("failed to read courses directory: %w", err)
	}

	loaded := make(map[string]*Course)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		courseID := entry.Name()
		c, err := r.loadCourse(courseID, filepath.Join(r.dir, courseID))
		if err != nil {
			r.log.Error("failed to load course", "course", courseID, "error", err)
			continue
		}
		loaded[courseID] = c
	}

	r.mu.Lock()
	r.courses = loaded
	r.mu.Unlock()

	r.log.Info("loaded courses", "count", len(loaded))
	return nil
}

func (r *Registry) loadCourse(courseID, coursePath string) (*Course, error) {
	configPath := filepath.Join(coursePath, "index.yaml")
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read course config: %w", err)
	}
	if len(configData) == 0 {
		return nil, fmt.Errorf("course config file is empty: %s", configPath)
	}

	var c Course
	if err := yaml.Unmarshal(configData, &c); err != nil {
		return nil, fmt.Errorf("failed to parse course config: %w", err)
	}

	c.ID = courseID
	if c.Title == "" {
		c.Title = courseID
	}

	r.loadContent(&c, coursePath)
	return &c, nil
}

// loadContent fills in the markdown bodies named by the course detail.
// A missing file leaves the content empty rather than failing the course.
func (r *Registry) loadContent(c *Course, coursePath string) {
	if c.Details.Intro.Text != "" {
		c.Details.Intro.Content = r.readMarkdown(c.ID, coursePath, c.Details.Intro.Text)
	}
	for i := range c.Details.Steps {
		step := &c.Details.Steps[i]
		if step.Text != "" {
			step.Content = r.readMarkdown(c.ID, coursePath, step.Text)
		}
	}
	if c.Details.Finish.Text != "" {
		c.Details.Finish.Content = r.readMarkdown(c.ID, coursePath, c.Details.Finish.Text)
	}
}

func (r *Registry) readMarkdown(courseID, coursePath, name string) string {
	content, err := os.ReadFile(filepath.Join(coursePath, name))
	if err != nil {
		r.log.Warn("failed to load course file", "course", courseID, "file", name, "error", err)
		return ""
	}
	return string(content)
}

// Get returns the course with the given id.
func (r *Registry) Get(id string) (*Course, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.courses[id]
	return c, ok
}

// List returns all loaded courses.
func (r *Registry) List() []*Course {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Course, 0, len(r.courses))
	for _, c := range r.courses {
		out = append(out, c)
	}
	return out
}

// Watch starts watching the catalog directory and reloads on changes.
// Events are debounced so a burst of writes triggers a single reload.
func (r *Registry) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch courses directory: %w", err)
	}
	r.watcher = watcher

	go func() {
		var timer *time.Timer
		for {
			select {
			case <-r.stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, func() {
					if err := r.Load(); err != nil {
						r.log.Error("course reload failed", "error", err)
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.log.Warn("course watcher error", "error", err)
			}
		}
	}()

	return nil
}

// Close stops the watcher.
func (r *Registry) Close() error {
	r.once.Do(func() { close(r.stop) })
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}
