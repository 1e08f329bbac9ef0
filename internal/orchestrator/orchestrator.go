// Package orchestrator ties the course catalog to the container controller.
// It turns a course's backend description into a concrete container config
// and exposes course-level start/stop on top of container-level operations.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/courselab/courselab/internal/container"
	"github.com/courselab/courselab/internal/course"
	"github.com/courselab/courselab/internal/logger"
)

var (
	ErrCourseNotFound = errors.New("course not found")
	ErrNoContainer    = errors.New("no container for course")
)

// defaultKeepalive keeps interactive course containers alive when the course
// does not define its own command.
var defaultKeepalive = []string{"/bin/bash", "-c", "while true; do sleep 3600; done"}

const (
	defaultWorkspace = "/root"
	databasePort     = "26257"
)

// Lifecycle is the slice of the container controller the orchestrator uses.
type Lifecycle interface {
	CreateAndStart(ctx context.Context, courseID string, cfg container.Config) (*container.Record, error)
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (*container.Record, error)
	List() []*container.Record
	CheckPortConflict(courseID, port string) container.PortConflict
	CleanupCourse(ctx context.Context, courseID string) container.CleanupResult
	CleanupAll(ctx context.Context) container.CleanupResult
	Logs(ctx context.Context, id string, tail int, follow bool) (io.ReadCloser, error)
}

// CourseSource resolves course definitions.
type CourseSource interface {
	Get(id string) (*course.Course, bool)
}

// Orchestrator is the course-level facade over the controller.
type Orchestrator struct {
	ctrl         Lifecycle
	courses      CourseSource
	defaultImage string
	courseDir    string
	log          *logger.Logger
}

// New creates an orchestrator. courseDir anchors relative volume host paths.
func New(ctrl Lifecycle, courses CourseSource, defaultImage, courseDir string, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		ctrl:         ctrl,
		courses:      courses,
		defaultImage: defaultImage,
		courseDir:    courseDir,
		log:          log,
	}
}

// StartCourse starts a fresh container for the course. Any existing
// containers of the course are replaced. imageOverride, when non-empty,
// wins over the course's own backend image.
func (o *Orchestrator) StartCourse(ctx context.Context, courseID, imageOverride string) (*container.Record, error) {
	c, ok := o.courses.Get(courseID)
	if !ok {
		return nil, ErrCourseNotFound
	}

	cfg := o.assembleConfig(c, imageOverride)
	o.log.Debug("starting course container",
		"course", courseID, "image", cfg.Image, "workdir", cfg.WorkingDir)

	return o.ctrl.CreateAndStart(ctx, courseID, cfg)
}

// StopCourse stops the course's active container: a running or starting one
// if present, otherwise the most recently started. Returns the stopped
// container's id.
func (o *Orchestrator) StopCourse(ctx context.Context, courseID string) (string, error) {
	var active, newest *container.Record
	for _, rec := range o.ctrl.List() {
		if rec.CourseID != courseID {
			continue
		}
		if newest == nil || rec.StartedAt.After(newest.StartedAt) {
			newest = rec
		}
		switch rec.State {
		case container.StateRunning, container.StateStarting, container.StateCreating:
			if active == nil || rec.StartedAt.After(active.StartedAt) {
				active = rec
			}
		}
	}

	target := active
	if target == nil {
		target = newest
	}
	if target == nil {
		return "", ErrNoContainer
	}

	if err := o.ctrl.Stop(ctx, target.ID); err != nil {
		return "", err
	}
	return target.ID, nil
}

// StopContainer stops one container by id.
func (o *Orchestrator) StopContainer(ctx context.Context, id string) error {
	return o.ctrl.Stop(ctx, id)
}

// Restart restarts a container in place, keeping its record.
func (o *Orchestrator) Restart(ctx context.Context, id string) error {
	return o.ctrl.Restart(ctx, id)
}

// Pause suspends a running container.
func (o *Orchestrator) Pause(ctx context.Context, id string) error {
	return o.ctrl.Pause(ctx, id)
}

// Resume unpauses a paused container.
func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	return o.ctrl.Resume(ctx, id)
}

// Status reports the current record for a container or course id.
func (o *Orchestrator) Status(ctx context.Context, id string) (*container.Record, error) {
	return o.ctrl.Status(ctx, id)
}

// List returns all managed containers.
func (o *Orchestrator) List() []*container.Record {
	return o.ctrl.List()
}

// Logs streams container logs.
func (o *Orchestrator) Logs(ctx context.Context, id string, tail int, follow bool) (io.ReadCloser, error) {
	return o.ctrl.Logs(ctx, id, tail, follow)
}

// CheckPortConflict reports whether another course's container already
// holds the host port.
func (o *Orchestrator) CheckPortConflict(courseID, port string) container.PortConflict {
	return o.ctrl.CheckPortConflict(courseID, port)
}

// CleanupCourse removes every container of one course, best effort.
func (o *Orchestrator) CleanupCourse(ctx context.Context, courseID string) container.CleanupResult {
	return o.ctrl.CleanupCourse(ctx, courseID)
}

// CleanupAll removes every managed container, best effort.
func (o *Orchestrator) CleanupAll(ctx context.Context) container.CleanupResult {
	return o.ctrl.CleanupAll(ctx)
}

// assembleConfig maps a course backend onto a container config.
func (o *Orchestrator) assembleConfig(c *course.Course, imageOverride string) container.Config {
	image := o.defaultImage
	if imageOverride != "" {
		image = imageOverride
	} else if c.Backend.Image != "" {
		image = c.Backend.Image
	}

	workingDir := defaultWorkspace
	if c.Backend.Workspace != "" {
		workingDir = c.Backend.Workspace
	}

	cmd := commandFor(c.Backend.Cmd)

	ports := map[string]string{}
	if c.Backend.Port > 0 {
		ports[databasePort] = fmt.Sprintf("%d", c.Backend.Port)
	}
	for containerPort, hostPort := range c.Backend.Ports {
		ports[containerPort] = hostPort
	}

	cfg := container.Config{
		Image:      image,
		Cmd:        cmd,
		Env:        parseEnv(c.Backend.Env),
		Ports:      ports,
		Volumes:    o.resolveVolumes(c),
		WorkingDir: workingDir,
		Privileged: c.Backend.Privileged,
	}

	// hello-world style images print and exit; let them run their default
	// entrypoint and count exit 0 as success
	if strings.Contains(strings.ToLower(image), "hello-world") {
		cfg.Cmd = nil
		cfg.OneShot = true
	}

	return cfg
}

// commandFor picks the container command. A single element containing
// spaces is a whole shell line from the catalog YAML; Docker would treat it
// as an executable path, so it is wrapped in a login shell instead.
func commandFor(cmd []string) []string {
	if len(cmd) == 0 {
		return defaultKeepalive
	}
	if len(cmd) == 1 {
		single := strings.TrimSpace(cmd[0])
		if strings.Contains(single, " ") {
			return []string{"/bin/bash", "-lc", single}
		}
	}
	return cmd
}

// parseEnv turns "KEY=VALUE" entries into a map, skipping malformed ones.
func parseEnv(entries []string) map[string]string {
	env := make(map[string]string, len(entries))
	for _, e := range entries {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) == 2 {
			env[parts[0]] = parts[1]
		}
	}
	return env
}

// resolveVolumes expands "host:container[:opts]" bindings. Host paths
// support "~" for the user's home dir; relative paths are anchored under the
// course's own directory. Mount options ride along on the container path.
func (o *Orchestrator) resolveVolumes(c *course.Course) map[string]string {
	if len(c.Backend.Volumes) == 0 {
		return nil
	}

	baseDir := o.courseDir
	if !filepath.IsAbs(baseDir) {
		if abs, err := filepath.Abs(baseDir); err == nil {
			baseDir = abs
		} else {
			o.log.Warn("cannot resolve course dir", "dir", baseDir, "error", err)
		}
	}
	courseBase := filepath.Join(baseDir, c.ID)

	volumes := make(map[string]string, len(c.Backend.Volumes))
	for _, binding := range c.Backend.Volumes {
		parts := strings.SplitN(binding, ":", 3)
		if len(parts) < 2 {
			o.log.Warn("skipping malformed volume binding", "course", c.ID, "binding", binding)
			continue
		}
		hostPath := strings.TrimSpace(parts[0])
		containerPath := strings.TrimSpace(parts[1])
		if len(parts) == 3 {
			containerPath = containerPath + ":" + strings.TrimSpace(parts[2])
		}

		if hostPath == "~" || strings.HasPrefix(hostPath, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				hostPath = filepath.Join(home, strings.TrimPrefix(hostPath, "~"))
			} else {
				o.log.Warn("cannot resolve home dir for volume binding", "error", err)
			}
		}
		if !filepath.IsAbs(hostPath) {
			hostPath = filepath.Join(courseBase, hostPath)
		}
		hostPath = filepath.Clean(hostPath)
		if abs, err := filepath.Abs(hostPath); err == nil {
			hostPath = abs
		}

		// missing directories are fine, the daemon creates them; missing
		// files would be mounted as directories, so flag them
		if _, err := os.Stat(hostPath); os.IsNotExist(err) {
			o.log.Warn("volume host path does not exist", "course", c.ID, "path", hostPath)
		}
		if !strings.HasPrefix(containerPath, "/") {
			o.log.Warn("volume container path is not absolute", "course", c.ID, "path", containerPath)
		}

		volumes[hostPath] = containerPath
	}
	return volumes
}
