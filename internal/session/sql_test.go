package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/courselab/courselab/internal/logger"
	"github.com/courselab/courselab/internal/sqlgate"
)

// fakeExecer implements Execer with canned responses
type fakeExecer struct {
	readyErr   error
	execErr    error
	result     *sqlgate.Result
	info       *sqlgate.Info
	readyCalls int
	lastSQL    string
}

func (f *fakeExecer) EnsureReady(_ context.Context, _ string) error {
	f.readyCalls++
	return f.readyErr
}

func (f *fakeExecer) Execute(_ context.Context, _, sqlText string) (*sqlgate.Result, error) {
	f.lastSQL = sqlText
	if f.execErr != nil {
		return nil, f.execErr
	}
	return f.result, nil
}

func (f *fakeExecer) Info(_ context.Context, _ string) (*sqlgate.Info, error) {
	if f.info == nil {
		return nil, errors.New("no info")
	}
	return f.info, nil
}

func knownCourses(ids ...string) CourseLookup {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return func(id string) bool { return set[id] }
}

func startSQLSession(t *testing.T, gate Execer, courses CourseLookup) (*websocket.Conn, chan struct{}) {
	t.Helper()
	server, client := createMockWebSocketPair(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer server.Close()
		runSQL(context.Background(), server, gate, courses, logger.NewNop())
	}()
	t.Cleanup(func() { client.Close() })
	return client, done
}

func readSQLFrame(t *testing.T, client *websocket.Conn) map[string]interface{} {
	t.Helper()
	client.SetReadDeadline(time.Now().Add(time.Second))
	var frame map[string]interface{}
	if err := client.ReadJSON(&frame); err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	return frame
}

func TestSQLInitReadyAndInfo(t *testing.T) {
	gate := &fakeExecer{info: &sqlgate.Info{Port: 26257, Connected: true, Version: "v2.0"}}
	client, _ := startSQLSession(t, gate, knownCourses("sql-basics"))

	if err := client.WriteJSON(sqlRequest{Type: "init", CourseID: "sql-basics"}); err != nil {
		t.Fatal(err)
	}

	ready := readSQLFrame(t, client)
	if ready["type"] != "ready" {
		t.Fatalf("expected ready, got %v", ready)
	}
	info := readSQLFrame(t, client)
	if info["type"] != "info" {
		t.Fatalf("expected info, got %v", info)
	}
	if info["port"] != float64(26257) || info["connected"] != true || info["version"] != "v2.0" {
		t.Errorf("info frame = %v", info)
	}
	if gate.readyCalls != 1 {
		t.Errorf("readyCalls = %d", gate.readyCalls)
	}
}

func TestSQLInitMissingCourse(t *testing.T) {
	gate := &fakeExecer{}
	client, _ := startSQLSession(t, gate, knownCourses("sql-basics"))

	if err := client.WriteJSON(sqlRequest{Type: "init"}); err != nil {
		t.Fatal(err)
	}
	frame := readSQLFrame(t, client)
	if frame["type"] != "error" || frame["message"] != "missing courseId" {
		t.Errorf("frame = %v", frame)
	}
	if gate.readyCalls != 0 {
		t.Errorf("readyCalls = %d", gate.readyCalls)
	}
}

func TestSQLInitUnknownCourse(t *testing.T) {
	gate := &fakeExecer{}
	client, _ := startSQLSession(t, gate, knownCourses("sql-basics"))

	if err := client.WriteJSON(sqlRequest{Type: "init", CourseID: "nope"}); err != nil {
		t.Fatal(err)
	}
	frame := readSQLFrame(t, client)
	if frame["type"] != "error" || frame["message"] != "course not found" {
		t.Errorf("frame = %v", frame)
	}
}

func TestSQLInitNotReadyKeepsSocketOpen(t *testing.T) {
	gate := &fakeExecer{readyErr: sqlgate.ErrNotReady, info: &sqlgate.Info{Port: 26257}}
	client, _ := startSQLSession(t, gate, knownCourses("sql-basics"))

	if err := client.WriteJSON(sqlRequest{Type: "init", CourseID: "sql-basics"}); err != nil {
		t.Fatal(err)
	}
	frame := readSQLFrame(t, client)
	if frame["type"] != "error" {
		t.Fatalf("expected error, got %v", frame)
	}

	// the client may retry on the same socket once the backend comes up
	gate.readyErr = nil
	if err := client.WriteJSON(sqlRequest{Type: "init", CourseID: "sql-basics"}); err != nil {
		t.Fatal(err)
	}
	frame = readSQLFrame(t, client)
	if frame["type"] != "ready" {
		t.Errorf("expected ready after retry, got %v", frame)
	}
}

func TestSQLQueryResultAndComplete(t *testing.T) {
	gate := &fakeExecer{
		result: &sqlgate.Result{
			Columns:  []string{"id", "name"},
			Rows:     [][]interface{}{{float64(1), "alpha"}, {float64(2), "beta"}},
			RowCount: 2,
		},
		info: &sqlgate.Info{Port: 26257},
	}
	client, _ := startSQLSession(t, gate, knownCourses("sql-basics"))

	client.WriteJSON(sqlRequest{Type: "init", CourseID: "sql-basics"})
	readSQLFrame(t, client) // ready
	readSQLFrame(t, client) // info

	if err := client.WriteJSON(sqlRequest{Type: "query", QueryID: "q1", SQL: "SELECT id, name FROM t"}); err != nil {
		t.Fatal(err)
	}

	result := readSQLFrame(t, client)
	if result["type"] != "result" || result["queryId"] != "q1" {
		t.Fatalf("result frame = %v", result)
	}
	if result["rowCount"] != float64(2) || result["hasMore"] != false {
		t.Errorf("result frame = %v", result)
	}
	cols, _ := json.Marshal(result["columns"])
	if string(cols) != `["id","name"]` {
		t.Errorf("columns = %s", cols)
	}

	complete := readSQLFrame(t, client)
	if complete["type"] != "complete" || complete["queryId"] != "q1" {
		t.Errorf("complete frame = %v", complete)
	}
	if gate.lastSQL != "SELECT id, name FROM t" {
		t.Errorf("lastSQL = %q", gate.lastSQL)
	}
}

func TestSQLMutationResultHasEmptyColumns(t *testing.T) {
	gate := &fakeExecer{
		result: &sqlgate.Result{Columns: []string{}, Rows: [][]interface{}{}, RowCount: 3},
		info:   &sqlgate.Info{Port: 26257},
	}
	client, _ := startSQLSession(t, gate, knownCourses("sql-basics"))

	client.WriteJSON(sqlRequest{Type: "init", CourseID: "sql-basics"})
	readSQLFrame(t, client)
	readSQLFrame(t, client)

	client.WriteJSON(sqlRequest{Type: "query", QueryID: "q2", SQL: "UPDATE t SET x = 1"})
	result := readSQLFrame(t, client)
	if result["rowCount"] != float64(3) {
		t.Errorf("result frame = %v", result)
	}
	// empty arrays must be present, not null, for the console renderer
	if result["columns"] == nil || result["rows"] == nil {
		t.Errorf("expected empty arrays, got %v", result)
	}
	readSQLFrame(t, client) // complete
}

func TestSQLQueryBeforeInit(t *testing.T) {
	gate := &fakeExecer{}
	client, _ := startSQLSession(t, gate, knownCourses("sql-basics"))

	client.WriteJSON(sqlRequest{Type: "query", QueryID: "q1", SQL: "SELECT 1"})
	frame := readSQLFrame(t, client)
	if frame["type"] != "error" || frame["queryId"] != "q1" {
		t.Errorf("frame = %v", frame)
	}
}

func TestSQLEmptyQuery(t *testing.T) {
	gate := &fakeExecer{info: &sqlgate.Info{Port: 26257}}
	client, _ := startSQLSession(t, gate, knownCourses("sql-basics"))

	client.WriteJSON(sqlRequest{Type: "init", CourseID: "sql-basics"})
	readSQLFrame(t, client)
	readSQLFrame(t, client)

	client.WriteJSON(sqlRequest{Type: "query", QueryID: "q1", SQL: "   "})
	frame := readSQLFrame(t, client)
	if frame["type"] != "error" {
		t.Errorf("frame = %v", frame)
	}
}

func TestSQLQueryErrorKeepsSocketUsable(t *testing.T) {
	gate := &fakeExecer{
		execErr: errors.New("syntax error at or near \"SELEC\""),
		info:    &sqlgate.Info{Port: 26257},
	}
	client, _ := startSQLSession(t, gate, knownCourses("sql-basics"))

	client.WriteJSON(sqlRequest{Type: "init", CourseID: "sql-basics"})
	readSQLFrame(t, client)
	readSQLFrame(t, client)

	client.WriteJSON(sqlRequest{Type: "query", QueryID: "q1", SQL: "SELEC 1"})
	frame := readSQLFrame(t, client)
	if frame["type"] != "error" || frame["queryId"] != "q1" {
		t.Fatalf("frame = %v", frame)
	}

	gate.execErr = nil
	gate.result = &sqlgate.Result{Columns: []string{"x"}, Rows: [][]interface{}{{float64(1)}}, RowCount: 1}
	client.WriteJSON(sqlRequest{Type: "query", QueryID: "q2", SQL: "SELECT 1"})
	frame = readSQLFrame(t, client)
	if frame["type"] != "result" || frame["queryId"] != "q2" {
		t.Errorf("frame = %v", frame)
	}
}

func TestSQLPingPong(t *testing.T) {
	client, _ := startSQLSession(t, &fakeExecer{}, knownCourses())

	client.WriteJSON(sqlRequest{Type: "ping"})
	frame := readSQLFrame(t, client)
	if frame["type"] != "pong" {
		t.Errorf("frame = %v", frame)
	}
}

func TestSQLUnknownMessageType(t *testing.T) {
	client, _ := startSQLSession(t, &fakeExecer{}, knownCourses())

	client.WriteJSON(sqlRequest{Type: "subscribe"})
	frame := readSQLFrame(t, client)
	if frame["type"] != "error" || frame["message"] != "unknown message type" {
		t.Errorf("frame = %v", frame)
	}
}

func TestSQLSessionEndsOnClose(t *testing.T) {
	client, done := startSQLSession(t, &fakeExecer{}, knownCourses())

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after socket close")
	}
}
