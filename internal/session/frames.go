package session

import "encoding/json"

// Terminal frame types. The set is closed; anything else on the wire is
// answered with an error frame.
const (
	FrameInput        = "input"
	FrameOutput       = "output"
	FrameResize       = "resize"
	FramePing         = "ping"
	FramePong         = "pong"
	FrameConnected    = "connected"
	FrameError        = "error"
	FramePullProgress = "image_pull_progress"
)

// TerminalMessage is the wire frame for terminal and progress sessions.
type TerminalMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// resizePayload is the data of a resize frame.
type resizePayload struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// connectedPayload is the data of the initial connected frame.
type connectedPayload struct {
	SessionID   string `json:"sessionId"`
	ContainerID string `json:"containerId"`
}

// SQL session frames are flat objects rather than type+data envelopes.
type sqlRequest struct {
	Type     string `json:"type"`
	CourseID string `json:"courseId,omitempty"`
	QueryID  string `json:"queryId,omitempty"`
	SQL      string `json:"sql,omitempty"`
}

type sqlError struct {
	Type    string `json:"type"`
	QueryID string `json:"queryId,omitempty"`
	Message string `json:"message"`
}

type sqlInfo struct {
	Type      string `json:"type"`
	Port      int    `json:"port"`
	Connected bool   `json:"connected"`
	Version   string `json:"version,omitempty"`
}

type sqlResult struct {
	Type     string          `json:"type"`
	QueryID  string          `json:"queryId"`
	Columns  []string        `json:"columns"`
	Rows     [][]interface{} `json:"rows"`
	RowCount int             `json:"rowCount"`
	HasMore  bool            `json:"hasMore"`
}
