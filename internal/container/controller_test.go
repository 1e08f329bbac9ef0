package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	containerTypes "github.com/docker/docker/api/types/container"
	imageTypes "github.com/docker/docker/api/types/image"

	"github.com/courselab/courselab/internal/backoff"
	"github.com/courselab/courselab/internal/logger"
)

type fakeContainer struct {
	id      string
	name    string
	image   string
	running bool
	paused  bool
	dead    bool
	exit    int
	started bool
}

// fakeDocker is an in-memory daemon. It counts concurrently in-flight
// mutating calls to verify the controller serializes them.
type fakeDocker struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer // by docker id
	images     map[string]bool
	nextID     int

	pullStream   string
	pullErr      error
	startErr     error
	stopErr      error
	removeErr    error
	removeFailID string // removal of this docker id alone fails
	startStall   bool   // start succeeds but the container never reports running

	stops   []string
	removes []string

	inflight    int
	maxInflight int
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		containers: make(map[string]*fakeContainer),
		images:     map[string]bool{"kwdb/kwdb:latest": true},
	}
}

func (f *fakeDocker) enter() {
	f.mu.Lock()
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	f.mu.Unlock()
	time.Sleep(time.Millisecond)
}

func (f *fakeDocker) exit() {
	f.mu.Lock()
	f.inflight--
	f.mu.Unlock()
}

func (f *fakeDocker) Ping(ctx context.Context) (types.Ping, error) {
	return types.Ping{}, nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *containerTypes.Config, hostConfig *containerTypes.HostConfig, name string) (containerTypes.CreateResponse, error) {
	f.enter()
	defer f.exit()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("docker-%d", f.nextID)
	f.containers[id] = &fakeContainer{id: id, name: name, image: config.Image}
	return containerTypes.CreateResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, options containerTypes.StartOptions) error {
	f.enter()
	defer f.exit()
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if fc, ok := f.containers[id]; ok {
		fc.started = true
		if !f.startStall {
			fc.running = true
		}
	}
	return nil
}

func (f *fakeDocker) ContainerStop(ctx context.Context, id string, options containerTypes.StopOptions) error {
	f.enter()
	defer f.exit()
	f.mu.Lock()
	f.stops = append(f.stops, id)
	f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if fc, ok := f.containers[id]; ok {
		fc.running = false
	}
	return nil
}

func (f *fakeDocker) ContainerRestart(ctx context.Context, id string, options containerTypes.StopOptions) error {
	f.enter()
	defer f.exit()
	f.mu.Lock()
	defer f.mu.Unlock()
	if fc, ok := f.containers[id]; ok {
		fc.running = true
	}
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, options containerTypes.RemoveOptions) error {
	f.enter()
	defer f.exit()
	f.mu.Lock()
	f.removes = append(f.removes, id)
	f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	if f.removeFailID == id {
		return errors.New("device busy")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	return nil
}

func (f *fakeDocker) ContainerPause(ctx context.Context, id string) error {
	f.enter()
	defer f.exit()
	f.mu.Lock()
	defer f.mu.Unlock()
	if fc, ok := f.containers[id]; ok {
		fc.paused = true
	}
	return nil
}

func (f *fakeDocker) ContainerUnpause(ctx context.Context, id string) error {
	f.enter()
	defer f.exit()
	f.mu.Lock()
	defer f.mu.Unlock()
	if fc, ok := f.containers[id]; ok {
		fc.paused = false
	}
	return nil
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, id string) (containerTypes.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fc, ok := f.containers[id]
	if !ok {
		return containerTypes.InspectResponse{}, fmt.Errorf("no such container: %w", errdefs.ErrNotFound)
	}
	status := "exited"
	if fc.running {
		status = "running"
	}
	return containerTypes.InspectResponse{
		ContainerJSONBase: &containerTypes.ContainerJSONBase{
			ID:   fc.id,
			Name: "/" + fc.name,
			State: &containerTypes.State{
				Running:  fc.running,
				Paused:   fc.paused,
				Dead:     fc.dead,
				ExitCode: fc.exit,
				Status:   status,
			},
		},
		Config: &containerTypes.Config{Image: fc.image},
	}, nil
}

func (f *fakeDocker) ContainerList(ctx context.Context, options containerTypes.ListOptions) ([]containerTypes.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []containerTypes.Summary
	for _, fc := range f.containers {
		state := containerTypes.StateExited
		if fc.running {
			state = containerTypes.StateRunning
		}
		out = append(out, containerTypes.Summary{
			ID:    fc.id,
			Names: []string{"/" + fc.name},
			State: state,
		})
	}
	return out, nil
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, id string, options containerTypes.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("log line\n")), nil
}

func (f *fakeDocker) ContainerExecCreate(ctx context.Context, id string, options containerTypes.ExecOptions) (containerTypes.ExecCreateResponse, error) {
	return containerTypes.ExecCreateResponse{ID: "exec-1"}, nil
}

func (f *fakeDocker) ContainerExecAttach(ctx context.Context, execID string, options containerTypes.ExecStartOptions) (types.HijackedResponse, error) {
	return types.HijackedResponse{}, errors.New("not supported in fake")
}

func (f *fakeDocker) ContainerExecInspect(ctx context.Context, execID string) (containerTypes.ExecInspect, error) {
	return containerTypes.ExecInspect{Running: false, ExitCode: 0}, nil
}

func (f *fakeDocker) ContainerExecResize(ctx context.Context, execID string, options containerTypes.ResizeOptions) error {
	return nil
}

func (f *fakeDocker) ImageInspect(ctx context.Context, ref string) (imageTypes.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.images[ref] {
		return imageTypes.InspectResponse{}, nil
	}
	return imageTypes.InspectResponse{}, fmt.Errorf("no such image: %w", errdefs.ErrNotFound)
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, options imageTypes.PullOptions) (io.ReadCloser, error) {
	f.enter()
	defer f.exit()
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	f.mu.Lock()
	f.images[ref] = true
	f.mu.Unlock()
	return io.NopCloser(strings.NewReader(f.pullStream)), nil
}

func (f *fakeDocker) Close() error { return nil }

func newTestController(f *fakeDocker) *Controller {
	c := NewController(f, "courselab", logger.NewNop())
	c.readiness = backoff.Policy{Base: time.Millisecond, Cap: time.Millisecond}
	return c
}

func TestCreateAndStart(t *testing.T) {
	f := newFakeDocker()
	c := newTestController(f)

	rec, err := c.CreateAndStart(context.Background(), "sql-basics", Config{
		Image: "kwdb/kwdb:latest",
		Ports: map[string]string{"26257": "26257"},
		Env:   map[string]string{"KWDB_MODE": "single"},
	})
	if err != nil {
		t.Fatalf("CreateAndStart: %v", err)
	}

	if rec.State != StateRunning {
		t.Errorf("state = %s, want running", rec.State)
	}
	if !strings.HasPrefix(rec.ID, "courselab-sql-basics-") {
		t.Errorf("container name = %q", rec.ID)
	}
	if rec.CourseID != "sql-basics" {
		t.Errorf("course = %q", rec.CourseID)
	}
}

func TestCreateAndStartInvalidImage(t *testing.T) {
	f := newFakeDocker()
	c := newTestController(f)

	_, err := c.CreateAndStart(context.Background(), "c1", Config{Image: "not a valid ref!!"})
	if !errors.Is(err, ErrInvalidImage) {
		t.Errorf("err = %v, want ErrInvalidImage", err)
	}
}

func TestCreateAndStartReplacesExisting(t *testing.T) {
	f := newFakeDocker()
	c := newTestController(f)

	first, err := c.CreateAndStart(context.Background(), "c1", Config{Image: "kwdb/kwdb:latest"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.CreateAndStart(context.Background(), "c1", Config{Image: "kwdb/kwdb:latest"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.Status(context.Background(), first.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("first container still tracked after replace: %v", err)
	}
	if len(c.List()) != 1 {
		t.Errorf("records = %d, want 1", len(c.List()))
	}
	if second.ID == first.ID {
		t.Error("replacement reused the container name")
	}
}

func TestCreateAndStartPullsMissingImage(t *testing.T) {
	f := newFakeDocker()
	f.pullStream = `{"status":"Pulling from kwdb/kwdb"}
{"status":"Downloading","progress":"[=>   ] 10MB/100MB"}
{"status":"Downloading","progress":"[====>] 90MB/100MB"}
{"status":"Download complete"}
`
	c := newTestController(f)

	sub := c.Pulls().Subscribe(PullTopic)
	defer c.Pulls().Unsubscribe(PullTopic, sub)

	_, err := c.CreateAndStart(context.Background(), "c1", Config{Image: "kwdb/missing:1.0"})
	if err != nil {
		t.Fatalf("CreateAndStart: %v", err)
	}

	var statuses []string
	for done := false; !done; {
		select {
		case ev := <-sub.C():
			statuses = append(statuses, ev.Status)
			if ev.Percent != nil && *ev.Percent == 100 && !ev.Hide {
				done = true
			}
		case <-time.After(time.Second):
			done = true
		}
	}
	if len(statuses) < 3 {
		t.Fatalf("got %d progress events, want at least 3: %v", len(statuses), statuses)
	}
	if statuses[len(statuses)-1] != "Pull complete" {
		t.Errorf("last status = %q", statuses[len(statuses)-1])
	}
}

func TestCreateAndStartPullError(t *testing.T) {
	f := newFakeDocker()
	f.pullErr = errors.New("manifest unknown")
	c := newTestController(f)

	_, err := c.CreateAndStart(context.Background(), "c1", Config{Image: "kwdb/missing:1.0"})
	if err == nil || !strings.Contains(err.Error(), "manifest unknown") {
		t.Errorf("err = %v", err)
	}
	if len(c.List()) != 0 {
		t.Error("record left behind after failed pull")
	}
}

func TestOneShotExitZeroIsSuccess(t *testing.T) {
	f := newFakeDocker()
	f.startStall = true // process exits before the first readiness check
	c := newTestController(f)

	rec, err := c.CreateAndStart(context.Background(), "hello", Config{
		Image:   "kwdb/kwdb:latest",
		OneShot: true,
	})
	if err != nil {
		t.Fatalf("CreateAndStart: %v", err)
	}
	if rec.State != StateExited {
		t.Errorf("state = %s, want exited", rec.State)
	}
}

func TestStartFailureRollsBack(t *testing.T) {
	f := newFakeDocker()
	f.startErr = errors.New("oci runtime error")
	c := newTestController(f)

	_, err := c.CreateAndStart(context.Background(), "c1", Config{Image: "kwdb/kwdb:latest"})
	if !errors.Is(err, ErrStartFailed) {
		t.Fatalf("err = %v, want ErrStartFailed", err)
	}
	if len(c.List()) != 0 {
		t.Error("record left behind after rollback")
	}
	if len(f.removes) == 0 {
		t.Error("rollback never removed the container")
	}
}

func TestStopRemovesEvenWhenStopFails(t *testing.T) {
	f := newFakeDocker()
	c := newTestController(f)

	rec, err := c.CreateAndStart(context.Background(), "c1", Config{Image: "kwdb/kwdb:latest"})
	if err != nil {
		t.Fatal(err)
	}

	f.stopErr = errors.New("daemon hiccup")
	if err := c.Stop(context.Background(), rec.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(f.removes) == 0 {
		t.Error("remove was not attempted after stop failure")
	}
	if len(c.List()) != 0 {
		t.Error("record survived stop")
	}
}

func TestStopIdempotentOnNotFound(t *testing.T) {
	f := newFakeDocker()
	c := newTestController(f)

	rec, err := c.CreateAndStart(context.Background(), "c1", Config{Image: "kwdb/kwdb:latest"})
	if err != nil {
		t.Fatal(err)
	}

	// container vanished behind our back
	f.mu.Lock()
	delete(f.containers, rec.DockerID)
	f.mu.Unlock()
	f.stopErr = fmt.Errorf("gone: %w", errdefs.ErrNotFound)
	f.removeErr = fmt.Errorf("gone: %w", errdefs.ErrNotFound)

	if err := c.Stop(context.Background(), rec.ID); err != nil {
		t.Errorf("Stop on vanished container = %v, want nil", err)
	}
}

func TestStopUnknown(t *testing.T) {
	f := newFakeDocker()
	c := newTestController(f)
	if err := c.Stop(context.Background(), "courselab-x-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStopPublishesStateChanges(t *testing.T) {
	f := newFakeDocker()
	c := newTestController(f)

	rec, err := c.CreateAndStart(context.Background(), "c1", Config{Image: "kwdb/kwdb:latest"})
	if err != nil {
		t.Fatal(err)
	}

	sub := c.States().Subscribe(rec.ID)
	defer c.States().Unsubscribe(rec.ID, sub)

	if err := c.Stop(context.Background(), rec.ID); err != nil {
		t.Fatal(err)
	}

	var states []State
	for len(states) < 2 {
		select {
		case ch := <-sub.C():
			states = append(states, ch.State)
		case <-time.After(time.Second):
			t.Fatalf("state changes = %v, want stopping then stopped", states)
		}
	}
	if states[0] != StateStopping || states[1] != StateStopped {
		t.Errorf("states = %v", states)
	}
}

func TestCreateAndStartPublishesRunning(t *testing.T) {
	f := newFakeDocker()
	f.startStall = true
	c := newTestController(f)
	c.readiness = backoff.Policy{Base: 50 * time.Millisecond, Cap: 50 * time.Millisecond}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.CreateAndStart(context.Background(), "watched", Config{Image: "kwdb/kwdb:latest"})
		errCh <- err
	}()

	var name string
	deadline := time.Now().Add(2 * time.Second)
	for name == "" {
		for _, rec := range c.List() {
			if rec.CourseID == "watched" {
				name = rec.ID
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("record never appeared")
		}
		time.Sleep(time.Millisecond)
	}

	sub := c.States().Subscribe(name)
	defer c.States().Unsubscribe(name, sub)

	f.mu.Lock()
	for _, fc := range f.containers {
		fc.running = true
	}
	f.mu.Unlock()

	select {
	case ch := <-sub.C():
		if ch.State != StateRunning || ch.CourseID != "watched" {
			t.Errorf("state change = %+v, want running", ch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("running state change never published")
	}

	if err := <-errCh; err != nil {
		t.Fatalf("CreateAndStart: %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	f := newFakeDocker()
	c := newTestController(f)

	rec, err := c.CreateAndStart(context.Background(), "c1", Config{Image: "kwdb/kwdb:latest"})
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Resume(context.Background(), rec.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Resume on running = %v, want ErrInvalidTransition", err)
	}
	if err := c.Pause(context.Background(), rec.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := c.Pause(context.Background(), rec.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double Pause = %v, want ErrInvalidTransition", err)
	}
	if err := c.Resume(context.Background(), rec.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	got, err := c.Status(context.Background(), rec.ID)
	if err != nil || got.State != StateRunning {
		t.Errorf("state after resume = %v, %v", got, err)
	}
}

func TestStatusFallsBackToCourseScan(t *testing.T) {
	f := newFakeDocker()
	c := newTestController(f)

	rec, err := c.CreateAndStart(context.Background(), "sql-basics", Config{Image: "kwdb/kwdb:latest"})
	if err != nil {
		t.Fatal(err)
	}

	got, err := c.Status(context.Background(), "sql-basics")
	if err != nil {
		t.Fatalf("Status by course id: %v", err)
	}
	if got.ID != rec.ID {
		t.Errorf("got %q, want %q", got.ID, rec.ID)
	}
}

func TestCheckPortConflict(t *testing.T) {
	f := newFakeDocker()
	c := newTestController(f)

	if _, err := c.CreateAndStart(context.Background(), "other", Config{
		Image: "kwdb/kwdb:latest",
		Ports: map[string]string{"26257": "26257"},
	}); err != nil {
		t.Fatal(err)
	}

	conflict := c.CheckPortConflict("mine", "26257")
	if !conflict.IsConflicted || len(conflict.ConflictContainers) != 1 {
		t.Errorf("conflict = %+v, want conflicted", conflict)
	}

	// same course never conflicts with itself
	same := c.CheckPortConflict("other", "26257")
	if same.IsConflicted {
		t.Errorf("same-course check = %+v, want no conflict", same)
	}

	free := c.CheckPortConflict("mine", "26258")
	if free.IsConflicted {
		t.Errorf("free port check = %+v", free)
	}
}

func TestCleanupCoursePartialFailure(t *testing.T) {
	f := newFakeDocker()
	c := newTestController(f)

	if _, err := c.CreateAndStart(context.Background(), "c1", Config{Image: "kwdb/kwdb:latest"}); err != nil {
		t.Fatal(err)
	}

	f.removeErr = errors.New("device busy")
	result := c.CleanupCourse(context.Background(), "c1")
	if len(result.Items) != 1 || result.Items[0].Success {
		t.Errorf("items = %+v", result.Items)
	}
	if result.Success {
		t.Error("all removals failed, Success should be false")
	}
}

func TestCleanupCourseOneFailureOfManyIsNotSuccess(t *testing.T) {
	f := newFakeDocker()
	f.containers["d1"] = &fakeContainer{id: "d1", name: "courselab-c1-1700000000", image: "kwdb/kwdb:latest"}
	f.containers["d2"] = &fakeContainer{id: "d2", name: "courselab-c1-1700000001", image: "kwdb/kwdb:latest"}
	f.removeFailID = "d2"
	c := newTestController(f)

	result := c.CleanupCourse(context.Background(), "c1")
	if len(result.Items) != 2 {
		t.Fatalf("items = %+v, want 2", result.Items)
	}
	failed := 0
	for _, item := range result.Items {
		if !item.Success {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("failed items = %d, want 1", failed)
	}
	if result.Success {
		t.Error("a removal failed, Success should be false")
	}
}

func TestCleanupCourseEmptyIsSuccess(t *testing.T) {
	f := newFakeDocker()
	c := newTestController(f)

	result := c.CleanupCourse(context.Background(), "nothing-here")
	if !result.Success || len(result.Items) != 0 {
		t.Errorf("result = %+v, want empty success", result)
	}
}

func TestReconcileAdoptsExisting(t *testing.T) {
	f := newFakeDocker()
	f.containers["d1"] = &fakeContainer{id: "d1", name: "courselab-sql-basics-1700000000", image: "kwdb/kwdb:latest", running: true}
	f.containers["d2"] = &fakeContainer{id: "d2", name: "courselab-multi-part-course-1700000001", image: "kwdb/kwdb:latest"}
	f.containers["d3"] = &fakeContainer{id: "d3", name: "unrelated", image: "nginx"}

	c := newTestController(f)
	if err := c.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	records := c.List()
	if len(records) != 2 {
		t.Fatalf("adopted %d records, want 2", len(records))
	}
	byCourse := map[string]State{}
	for _, rec := range records {
		byCourse[rec.CourseID] = rec.State
	}
	if byCourse["sql-basics"] != StateRunning {
		t.Errorf("sql-basics state = %s", byCourse["sql-basics"])
	}
	if _, ok := byCourse["multi-part-course"]; !ok {
		t.Errorf("dashed course id not parsed: %v", byCourse)
	}
}

func TestMutationsAreSerialized(t *testing.T) {
	f := newFakeDocker()
	c := newTestController(f)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			course := fmt.Sprintf("course-%d", n)
			rec, err := c.CreateAndStart(context.Background(), course, Config{Image: "kwdb/kwdb:latest"})
			if err != nil {
				t.Errorf("CreateAndStart(%s): %v", course, err)
				return
			}
			if err := c.Stop(context.Background(), rec.ID); err != nil {
				t.Errorf("Stop(%s): %v", rec.ID, err)
			}
		}(i)
	}
	wg.Wait()

	f.mu.Lock()
	max := f.maxInflight
	f.mu.Unlock()
	if max > 1 {
		t.Errorf("max concurrent daemon mutations = %d, want 1", max)
	}
}

func TestStopCancelsInFlightStart(t *testing.T) {
	f := newFakeDocker()
	f.startStall = true // readiness loop keeps waiting
	c := newTestController(f)
	c.readiness = backoff.Policy{Base: 20 * time.Millisecond, Cap: 20 * time.Millisecond}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.CreateAndStart(context.Background(), "slow", Config{Image: "kwdb/kwdb:latest"})
		errCh <- err
	}()

	// wait for the record to appear in starting state
	var name string
	deadline := time.Now().Add(2 * time.Second)
	for name == "" {
		for _, rec := range c.List() {
			if rec.CourseID == "slow" {
				name = rec.ID
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("record never appeared")
		}
		time.Sleep(time.Millisecond)
	}

	if err := c.Stop(context.Background(), name); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStartFailed) {
			t.Errorf("cancelled start = %v, want ErrStartFailed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("start never returned after stop")
	}

	if len(c.List()) != 0 {
		t.Error("record survived cancelled start")
	}
}
