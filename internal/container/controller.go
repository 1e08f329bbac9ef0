// Package container manages the lifecycle of per-course Docker containers:
// creation, readiness, stop/remove teardown, pause/resume, and cleanup.
// The controller is the only writer of container records; everything else
// observes them through reads and the state broker.
package container

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	containerTypes "github.com/docker/docker/api/types/container"
	imageTypes "github.com/docker/docker/api/types/image"
	"github.com/docker/go-connections/nat"
	"github.com/google/go-containerregistry/pkg/name"

	"github.com/courselab/courselab/internal/backoff"
	"github.com/courselab/courselab/internal/logger"
	"github.com/courselab/courselab/internal/pull"
)

// PullTopic is the broker key image pull progress is published under.
const PullTopic = "image-pull"

const (
	stopTimeoutSeconds    = 10
	restartTimeoutSeconds = 30
	readinessAttempts     = 15
)

// Controller owns all managed containers on the local daemon.
type Controller struct {
	api    DockerAPI
	log    *logger.Logger
	prefix string

	// readiness is a flat 1.5s interval; base == cap disables doubling.
	readiness backoff.Policy

	// opMu serializes every daemon-mutating operation across all courses.
	opMu sync.Mutex

	mu      sync.RWMutex
	records map[string]*Record

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	states *pull.Broker[StateChange]
	pulls  *pull.Broker[pull.Event]
}

// NewController creates a controller over the given daemon API. Container
// names are "<prefix>-<courseID>-<timestamp>".
func NewController(api DockerAPI, prefix string, log *logger.Logger) *Controller {
	return &Controller{
		api:       api,
		log:       log,
		prefix:    prefix,
		readiness: backoff.Policy{Base: 1500 * time.Millisecond, Cap: 1500 * time.Millisecond},
		records:   make(map[string]*Record),
		cancels:   make(map[string]context.CancelFunc),
		states:    pull.NewBroker[StateChange](),
		pulls:     pull.NewBroker[pull.Event](),
	}
}

// States returns the broker publishing lifecycle state changes, keyed by
// container id.
func (c *Controller) States() *pull.Broker[StateChange] {
	return c.states
}

// Pulls returns the broker publishing image pull progress under PullTopic.
func (c *Controller) Pulls() *pull.Broker[pull.Event] {
	return c.pulls
}

// Reconcile adopts containers left over from a previous run into the record
// map so they can be listed, stopped, and cleaned up.
func (c *Controller) Reconcile(ctx context.Context) error {
	containers, err := c.api.ContainerList(ctx, containerTypes.ListOptions{All: true})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	adopted := 0
	for _, summary := range containers {
		if len(summary.Names) == 0 {
			continue
		}
		containerName := strings.TrimPrefix(summary.Names[0], "/")
		courseID, ok := c.parseName(containerName)
		if !ok {
			continue
		}

		inspect, err := c.api.ContainerInspect(ctx, summary.ID)
		if err != nil {
			c.log.Warn("cannot inspect existing container", "container", containerName, "error", err)
			continue
		}

		rec := &Record{
			ID:        containerName,
			CourseID:  courseID,
			DockerID:  summary.ID,
			State:     stateFromInspect(inspect.State),
			Image:     inspect.Config.Image,
			StartedAt: time.Now(),
			Env:       envToMap(inspect.Config.Env),
			Ports:     portsFromInspect(inspect),
		}

		c.mu.Lock()
		c.records[containerName] = rec
		c.mu.Unlock()
		adopted++
		c.log.Info("adopted existing container", "container", containerName, "course", courseID, "state", rec.State)
	}

	c.log.Info("reconciled existing containers", "count", adopted)
	return nil
}

// CreateAndStart creates a container for the course, pulling the image if
// needed, and waits for it to become ready. Any existing containers of the
// same course are removed first. On start failure the partially created
// container is rolled back.
func (c *Controller) CreateAndStart(ctx context.Context, courseID string, cfg Config) (*Record, error) {
	if _, err := name.ParseReference(cfg.Image); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidImage, cfg.Image, err)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.ensureImage(ctx, cfg.Image); err != nil {
		return nil, err
	}

	if err := c.removeCourseContainers(ctx, courseID); err != nil {
		return nil, fmt.Errorf("failed to cleanup existing containers: %w", err)
	}

	containerName := fmt.Sprintf("%s-%s-%d", c.prefix, courseID, time.Now().UnixNano())

	env := make([]string, 0, len(cfg.Env))
	for key, value := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}

	exposedPorts := make(nat.PortSet)
	portBindings := make(nat.PortMap)
	for containerPort, hostPort := range cfg.Ports {
		port, err := nat.NewPort("tcp", containerPort)
		if err != nil {
			return nil, fmt.Errorf("invalid port %s: %w", containerPort, err)
		}
		exposedPorts[port] = struct{}{}
		portBindings[port] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: hostPort}}
	}

	binds := make([]string, 0, len(cfg.Volumes))
	for hostPath, containerPath := range cfg.Volumes {
		binds = append(binds, fmt.Sprintf("%s:%s", hostPath, containerPath))
	}

	containerConfig := &containerTypes.Config{
		Image:        cfg.Image,
		Env:          env,
		ExposedPorts: exposedPorts,
		WorkingDir:   cfg.WorkingDir,
		Cmd:          cfg.Cmd,
	}
	hostConfig := &containerTypes.HostConfig{
		PortBindings: portBindings,
		Binds:        binds,
		Privileged:   cfg.Privileged,
	}

	resp, err := c.api.ContainerCreate(ctx, containerConfig, hostConfig, containerName)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	rec := &Record{
		ID:        containerName,
		CourseID:  courseID,
		DockerID:  resp.ID,
		State:     StateCreating,
		Image:     cfg.Image,
		StartedAt: time.Now(),
		Env:       cfg.Env,
		Ports:     cfg.Ports,
		OneShot:   cfg.OneShot,
	}
	// The cancel entry must exist before the record becomes visible, or a
	// Stop racing the start could miss it and block until the readiness
	// wait runs out its full budget.
	startCtx, cancel := context.WithCancel(ctx)
	c.cancelMu.Lock()
	c.cancels[containerName] = cancel
	c.cancelMu.Unlock()
	defer func() {
		cancel()
		c.cancelMu.Lock()
		delete(c.cancels, containerName)
		c.cancelMu.Unlock()
	}()

	c.mu.Lock()
	c.records[containerName] = rec
	c.mu.Unlock()
	c.setState(containerName, StateCreating, "")

	if err := c.start(startCtx, rec); err != nil {
		c.rollback(rec)
		return nil, err
	}

	return c.snapshot(containerName), nil
}

// start transitions the record through starting and waits for readiness.
// ctx carries the cancel registered by CreateAndStart; a concurrent Stop
// fires it to abandon the wait.
func (c *Controller) start(ctx context.Context, rec *Record) error {
	c.setState(rec.ID, StateStarting, "Container is starting...")

	if err := c.api.ContainerStart(ctx, rec.DockerID, containerTypes.StartOptions{}); err != nil {
		c.setState(rec.ID, StateError, fmt.Sprintf("Failed to start: %v", err))
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	return c.waitReady(ctx, rec)
}

func (c *Controller) waitReady(ctx context.Context, rec *Record) error {
	for attempt := 0; attempt < readinessAttempts; attempt++ {
		inspect, err := c.api.ContainerInspect(ctx, rec.DockerID)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: start cancelled", ErrStartFailed)
			}
			c.log.Warn("readiness inspect failed", "container", rec.ID, "error", err)
		} else {
			state := inspect.State
			// one-shot images run to completion; exit 0 counts as success
			if rec.OneShot && !state.Running && state.ExitCode == 0 {
				c.setState(rec.ID, StateExited, "Container completed successfully")
				return nil
			}
			if state.Running {
				c.setState(rec.ID, StateRunning, "")
				return nil
			}
			if state.Dead || state.OOMKilled || (state.ExitCode != 0 && !state.Running) {
				msg := fmt.Sprintf("Container failed to start: ExitCode=%d, Error=%s", state.ExitCode, state.Error)
				c.setExit(rec.ID, state.ExitCode)
				c.setState(rec.ID, StateError, msg)
				return fmt.Errorf("%w: %s", ErrStartFailed, msg)
			}
		}

		if err := c.readiness.Sleep(ctx, attempt); err != nil {
			return fmt.Errorf("%w: start cancelled", ErrStartFailed)
		}
	}

	c.setState(rec.ID, StateError, "Container start timeout")
	return fmt.Errorf("%w: container %s never became ready", ErrTimeout, rec.ID)
}

// rollback force-removes a container whose start failed and drops its record.
func (c *Controller) rollback(rec *Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.api.ContainerRemove(ctx, rec.DockerID, containerTypes.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		c.log.Error("rollback remove failed", "container", rec.ID, "error", err)
	}
	c.mu.Lock()
	delete(c.records, rec.ID)
	c.mu.Unlock()
}

// Stop tears a container down: stop, then remove. A stop failure is logged
// and removal is still attempted; only a removal failure is an error.
// Not-found from the daemon counts as success. Any in-flight start wait for
// the container is cancelled first.
func (c *Controller) Stop(ctx context.Context, id string) error {
	c.mu.RLock()
	rec, exists := c.records[id]
	c.mu.RUnlock()
	if !exists {
		return ErrNotFound
	}
	dockerID := rec.DockerID

	c.cancelMu.Lock()
	if cancel, ok := c.cancels[id]; ok {
		cancel()
	}
	c.cancelMu.Unlock()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.RLock()
	_, exists = c.records[id]
	c.mu.RUnlock()
	if !exists {
		// the cancelled start already rolled the container back
		return nil
	}

	c.setState(id, StateStopping, "")

	timeout := stopTimeoutSeconds
	if err := c.api.ContainerStop(ctx, dockerID, containerTypes.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		c.log.Warn("container stop failed, removing anyway", "container", id, "error", err)
	}

	if err := c.api.ContainerRemove(ctx, dockerID, containerTypes.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		c.setState(id, StateError, fmt.Sprintf("Failed to remove: %v", err))
		return fmt.Errorf("failed to remove container: %w", err)
	}

	c.setState(id, StateStopped, "")
	c.mu.Lock()
	delete(c.records, id)
	c.mu.Unlock()
	return nil
}

// Restart restarts a managed container and marks it running on success.
func (c *Controller) Restart(ctx context.Context, id string) error {
	c.mu.RLock()
	rec, exists := c.records[id]
	c.mu.RUnlock()
	if !exists {
		return ErrNotFound
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	timeout := restartTimeoutSeconds
	if err := c.api.ContainerRestart(ctx, rec.DockerID, containerTypes.StopOptions{Timeout: &timeout}); err != nil {
		c.setState(id, StateError, fmt.Sprintf("Failed to restart: %v", err))
		return fmt.Errorf("failed to restart container: %w", err)
	}

	c.setState(id, StateRunning, "")
	return nil
}

// Pause suspends a running container.
func (c *Controller) Pause(ctx context.Context, id string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	rec := c.snapshot(id)
	if rec == nil {
		return ErrNotFound
	}
	if rec.State != StateRunning {
		return fmt.Errorf("%w: cannot pause container in state %s", ErrInvalidTransition, rec.State)
	}
	if err := c.api.ContainerPause(ctx, rec.DockerID); err != nil {
		return fmt.Errorf("failed to pause container: %w", err)
	}
	c.setState(id, StatePaused, "")
	return nil
}

// Resume unpauses a paused container.
func (c *Controller) Resume(ctx context.Context, id string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	rec := c.snapshot(id)
	if rec == nil {
		return ErrNotFound
	}
	if rec.State != StatePaused {
		return fmt.Errorf("%w: cannot resume container in state %s", ErrInvalidTransition, rec.State)
	}
	if err := c.api.ContainerUnpause(ctx, rec.DockerID); err != nil {
		return fmt.Errorf("failed to unpause container: %w", err)
	}
	c.setState(id, StateRunning, "")
	return nil
}

// Status returns the record for id. When the direct lookup misses, the id
// is treated as a course id and the newest matching container is returned.
// The daemon is consulted so a definitive state overrides the cached one.
func (c *Controller) Status(ctx context.Context, id string) (*Record, error) {
	rec := c.snapshot(id)
	if rec == nil {
		rec = c.newestForCourse(id)
	}
	if rec == nil {
		return nil, ErrNotFound
	}

	inspect, err := c.api.ContainerInspect(ctx, rec.DockerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return rec, nil
	}

	state := inspect.State
	if state.Running || state.Dead || state.OOMKilled || (state.ExitCode != 0 && !state.Running) {
		rec.State = stateFromInspect(state)
	}
	if state.ExitCode != 0 {
		code := state.ExitCode
		rec.ExitCode = &code
	}
	return rec, nil
}

// List returns a snapshot of all records. It never takes the op lock.
func (c *Controller) List() []*Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Record, 0, len(c.records))
	for _, rec := range c.records {
		copied := *rec
		out = append(out, &copied)
	}
	return out
}

// CheckPortConflict reports whether a running or starting container of a
// different course already binds the host port. A container of the same
// course is not a conflict; starting the course replaces it.
func (c *Controller) CheckPortConflict(courseID, port string) PortConflict {
	result := PortConflict{
		CourseID:           courseID,
		Port:               port,
		ConflictContainers: []ConflictContainer{},
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, rec := range c.records {
		if rec.CourseID == courseID {
			continue
		}
		if rec.State != StateRunning && rec.State != StateStarting && rec.State != StateCreating {
			continue
		}
		for _, hostPort := range rec.Ports {
			if hostPort == port {
				result.IsConflicted = true
				result.ConflictContainers = append(result.ConflictContainers, ConflictContainer{
					ContainerID: rec.ID,
					CourseID:    rec.CourseID,
					State:       rec.State,
				})
				break
			}
		}
	}
	return result
}

// CleanupCourse removes every container of the course, best effort.
func (c *Controller) CleanupCourse(ctx context.Context, courseID string) CleanupResult {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.cleanupPrefix(ctx, fmt.Sprintf("%s-%s-", c.prefix, courseID))
}

// CleanupAll removes every managed container, best effort.
func (c *Controller) CleanupAll(ctx context.Context) CleanupResult {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.cleanupPrefix(ctx, c.prefix+"-")
}

// cleanupPrefix stops and removes daemon containers matching the name
// prefix. Per-container failures are recorded, not fatal.
func (c *Controller) cleanupPrefix(ctx context.Context, namePrefix string) CleanupResult {
	result := CleanupResult{Items: []CleanupItem{}}

	containers, err := c.api.ContainerList(ctx, containerTypes.ListOptions{All: true})
	if err != nil {
		c.log.Error("cleanup list failed", "error", err)
		return result
	}

	failures := 0
	for _, summary := range containers {
		containerName, matched := matchName(summary.Names, namePrefix)
		if !matched {
			continue
		}
		item := CleanupItem{ContainerID: containerName, Success: true}

		timeout := stopTimeoutSeconds
		if summary.State == containerTypes.StateRunning {
			if err := c.api.ContainerStop(ctx, summary.ID, containerTypes.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
				c.log.Warn("cleanup stop failed", "container", containerName, "error", err)
			}
		}
		if err := c.api.ContainerRemove(ctx, summary.ID, containerTypes.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			item.Success = false
			item.Error = err.Error()
			failures++
		} else {
			c.mu.Lock()
			delete(c.records, containerName)
			c.mu.Unlock()
		}
		result.Items = append(result.Items, item)
	}

	result.Success = failures == 0
	return result
}

// removeCourseContainers clears existing containers of a course before a
// new one is created. Unlike cleanup, any failure here aborts the create.
func (c *Controller) removeCourseContainers(ctx context.Context, courseID string) error {
	containers, err := c.api.ContainerList(ctx, containerTypes.ListOptions{All: true})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	namePrefix := fmt.Sprintf("%s-%s-", c.prefix, courseID)
	for _, summary := range containers {
		containerName, matched := matchName(summary.Names, namePrefix)
		if !matched {
			continue
		}
		timeout := stopTimeoutSeconds
		if summary.State == containerTypes.StateRunning {
			if err := c.api.ContainerStop(ctx, summary.ID, containerTypes.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
				return fmt.Errorf("failed to stop container %s: %w", containerName, err)
			}
		}
		if err := c.api.ContainerRemove(ctx, summary.ID, containerTypes.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to remove container %s: %w", containerName, err)
		}
		c.mu.Lock()
		delete(c.records, containerName)
		c.mu.Unlock()
	}
	return nil
}

// Logs streams container logs.
func (c *Controller) Logs(ctx context.Context, id string, tail int, follow bool) (io.ReadCloser, error) {
	rec := c.snapshot(id)
	if rec == nil {
		return nil, ErrNotFound
	}
	options := containerTypes.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Timestamps: true,
	}
	if tail > 0 {
		options.Tail = strconv.Itoa(tail)
	}
	reader, err := c.api.ContainerLogs(ctx, rec.DockerID, options)
	if err != nil {
		return nil, fmt.Errorf("failed to get container logs: %w", err)
	}
	return reader, nil
}

// ensureImage pulls the image unless it is already present locally.
// Progress is condensed by a tracker and published on the pull broker.
func (c *Controller) ensureImage(ctx context.Context, image string) error {
	_, err := c.api.ImageInspect(ctx, image)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to check image %s: %w", image, err)
	}

	c.log.Info("image not present, pulling", "image", image)
	tracker := pull.NewTracker(image, func(ev pull.Event) {
		c.pulls.Publish(PullTopic, ev)
	})

	if err := c.pullImage(ctx, image, tracker); err != nil {
		tracker.Finish(err)
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	tracker.Finish(nil)
	return nil
}

// pullImage decodes the daemon's JSON progress stream and feeds the tracker.
func (c *Controller) pullImage(ctx context.Context, image string, tracker *pull.Tracker) error {
	resp, err := c.api.ImagePull(ctx, image, imageTypes.PullOptions{})
	if err != nil {
		return err
	}
	defer resp.Close()

	decoder := json.NewDecoder(resp)
	for {
		var msg map[string]interface{}
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			c.log.Warn("failed to decode pull progress", "image", image, "error", err)
			continue
		}

		status, _ := msg["status"].(string)
		progress, _ := msg["progress"].(string)
		errorStr, _ := msg["error"].(string)

		if errorStr != "" {
			return fmt.Errorf("image pull error: %s", errorStr)
		}
		if status == "" {
			status = "Pulling image..."
		}
		tracker.Observe(status, progress)
	}
}

// Attach opens an interactive PTY inside a running container.
func (c *Controller) Attach(ctx context.Context, id string, opts AttachOptions) (PTY, error) {
	rec := c.snapshot(id)
	if rec == nil {
		return nil, ErrNotFound
	}
	if rec.State != StateRunning {
		return nil, ErrNotRunning
	}
	return c.attachExec(ctx, rec, opts)
}

// setState updates a record's state and publishes the change.
func (c *Controller) setState(id string, state State, message string) {
	c.mu.Lock()
	rec, exists := c.records[id]
	if exists {
		rec.State = state
		rec.Message = message
	}
	var change StateChange
	if exists {
		change = StateChange{ContainerID: id, CourseID: rec.CourseID, State: state, Message: message}
	}
	c.mu.Unlock()

	if exists {
		c.log.Info("container state changed", "container", id, "state", state)
		c.states.Publish(id, change)
	}
}

func (c *Controller) setExit(id string, code int) {
	c.mu.Lock()
	if rec, exists := c.records[id]; exists {
		exit := code
		rec.ExitCode = &exit
	}
	c.mu.Unlock()
}

// snapshot returns a copy of the record, or nil.
func (c *Controller) snapshot(id string) *Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, exists := c.records[id]
	if !exists {
		return nil
	}
	copied := *rec
	return &copied
}

// newestForCourse scans records for the course's most recent container.
func (c *Controller) newestForCourse(courseID string) *Record {
	namePrefix := fmt.Sprintf("%s-%s-", c.prefix, courseID)

	c.mu.RLock()
	defer c.mu.RUnlock()
	var newest *Record
	for _, rec := range c.records {
		if !strings.HasPrefix(rec.ID, namePrefix) {
			continue
		}
		if newest == nil || rec.StartedAt.After(newest.StartedAt) {
			newest = rec
		}
	}
	if newest == nil {
		return nil
	}
	copied := *newest
	return &copied
}

// parseName extracts the course id from "<prefix>-<courseID>-<timestamp>".
func (c *Controller) parseName(containerName string) (string, bool) {
	rest, ok := strings.CutPrefix(containerName, c.prefix+"-")
	if !ok {
		return "", false
	}
	i := strings.LastIndex(rest, "-")
	if i <= 0 {
		return "", false
	}
	if _, err := strconv.ParseInt(rest[i+1:], 10, 64); err != nil {
		return "", false
	}
	return rest[:i], true
}

// Close releases the daemon connection.
func (c *Controller) Close() error {
	return c.api.Close()
}

func matchName(names []string, namePrefix string) (string, bool) {
	for _, n := range names {
		clean := strings.TrimPrefix(n, "/")
		if strings.HasPrefix(clean, namePrefix) {
			return clean, true
		}
	}
	return "", false
}

func stateFromInspect(state *containerTypes.State) State {
	switch {
	case state == nil:
		return StateError
	case state.Running && state.Paused:
		return StatePaused
	case state.Running:
		return StateRunning
	case state.Dead || state.OOMKilled:
		return StateError
	case state.ExitCode != 0:
		return StateError
	case state.ExitCode == 0 && state.Status == "exited":
		return StateExited
	default:
		return StateStopped
	}
}

func envToMap(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			out[parts[0]] = parts[1]
		}
	}
	return out
}

func portsFromInspect(inspect containerTypes.InspectResponse) map[string]string {
	ports := make(map[string]string)
	if inspect.NetworkSettings == nil {
		return ports
	}
	for port, bindings := range inspect.NetworkSettings.Ports {
		if len(bindings) > 0 {
			ports[port.Port()] = bindings[0].HostPort
		}
	}
	return ports
}
