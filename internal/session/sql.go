package session

import (
	"context"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/courselab/courselab/internal/logger"
	"github.com/courselab/courselab/internal/sqlgate"
)

// Execer is the slice of the SQL gateway the session needs.
type Execer interface {
	EnsureReady(ctx context.Context, courseID string) error
	Execute(ctx context.Context, courseID, sqlText string) (*sqlgate.Result, error)
	Info(ctx context.Context, courseID string) (*sqlgate.Info, error)
}

// CourseLookup reports whether a course exists.
type CourseLookup func(courseID string) bool

// runSQL drives one SQL console socket. Protocol:
//
//	client: init{courseId} | query{queryId, sql} | ping
//	server: ready | info | result | complete | error | pong
//
// Failed init and failed queries keep the socket open so the client can
// retry; only an unparseable frame or socket error ends the loop.
func runSQL(ctx context.Context, conn *websocket.Conn, gate Execer, courses CourseLookup, log *logger.Logger) {
	var courseID string

	for {
		var msg sqlRequest
		if err := conn.ReadJSON(&msg); err != nil {
			log.Debug("sql socket closed", "error", err)
			return
		}

		switch msg.Type {
		case "init":
			id := strings.TrimSpace(msg.CourseID)
			if id == "" {
				conn.WriteJSON(sqlError{Type: "error", Message: "missing courseId"})
				continue
			}
			if !courses(id) {
				conn.WriteJSON(sqlError{Type: "error", Message: "course not found"})
				continue
			}
			if err := gate.EnsureReady(ctx, id); err != nil {
				conn.WriteJSON(sqlError{Type: "error", Message: "database not ready: " + err.Error()})
				continue
			}
			courseID = id
			conn.WriteJSON(sqlRequest{Type: "ready"})
			if info, err := gate.Info(ctx, id); err == nil {
				conn.WriteJSON(sqlInfo{Type: "info", Port: info.Port, Connected: info.Connected, Version: info.Version})
			}

		case "query":
			if courseID == "" {
				conn.WriteJSON(sqlError{Type: "error", QueryID: msg.QueryID, Message: "connection not initialized"})
				continue
			}
			if strings.TrimSpace(msg.SQL) == "" {
				conn.WriteJSON(sqlError{Type: "error", QueryID: msg.QueryID, Message: "sql must not be empty"})
				continue
			}

			result, err := gate.Execute(ctx, courseID, msg.SQL)
			if err != nil {
				conn.WriteJSON(sqlError{Type: "error", QueryID: msg.QueryID, Message: err.Error()})
				continue
			}
			conn.WriteJSON(sqlResult{
				Type:     "result",
				QueryID:  msg.QueryID,
				Columns:  result.Columns,
				Rows:     result.Rows,
				RowCount: result.RowCount,
				HasMore:  false,
			})
			conn.WriteJSON(sqlRequest{Type: "complete", QueryID: msg.QueryID})

		case "ping":
			conn.WriteJSON(sqlRequest{Type: "pong"})

		default:
			conn.WriteJSON(sqlError{Type: "error", Message: "unknown message type"})
		}
	}
}
