// Package sqlgate exposes each course's database backend over a pooled
// connection: lazy per-course pools, a bounded readiness probe, and a
// classifier that routes statements to the query or mutation path.
package sqlgate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/courselab/courselab/internal/backoff"
	"github.com/courselab/courselab/internal/logger"
)

// ErrNotReady indicates the backend did not accept connections within the
// readiness budget. Callers may retry.
var ErrNotReady = errors.New("sql backend not ready")

// ErrUnknownCourse indicates the course has no resolvable backend port.
var ErrUnknownCourse = errors.New("unknown course")

// Options configures backend connections.
type Options struct {
	Host         string // defaults to localhost
	User         string
	Database     string
	ReadyTimeout time.Duration // total readiness budget, defaults to 60s
}

// Result is the outcome of one executed statement, JSON-ready: timestamps
// are RFC3339 strings, byte blobs are strings.
type Result struct {
	Columns  []string        `json:"columns"`
	Rows     [][]interface{} `json:"rows"`
	RowCount int             `json:"rowCount"`
}

// Info describes a course backend's connection state.
type Info struct {
	Port      int    `json:"port"`
	Connected bool   `json:"connected"`
	Version   string `json:"version,omitempty"`
}

// Health is a connectivity probe with latency.
type Health struct {
	Healthy   bool   `json:"healthy"`
	LatencyMS int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// PortResolver maps a course id to its backend's host port.
type PortResolver func(courseID string) (int, error)

// Gateway maintains one lazily initialized pool per course.
type Gateway struct {
	log     *logger.Logger
	opts    Options
	resolve PortResolver
	probe   backoff.Policy

	// test seams
	openDB func(dsn string) (*gorm.DB, error)
	dial   func(ctx context.Context, addr string) error

	mu    sync.Mutex
	pools map[string]*gorm.DB
}

// New creates a gateway. resolve supplies the backend port per course.
func New(resolve PortResolver, opts Options, log *logger.Logger) *Gateway {
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.User == "" {
		opts.User = "root"
	}
	if opts.Database == "" {
		opts.Database = "defaultdb"
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 60 * time.Second
	}
	return &Gateway{
		log:     log,
		opts:    opts,
		resolve: resolve,
		probe:   backoff.Policy{Base: 500 * time.Millisecond, Cap: 30 * time.Second},
		openDB: func(dsn string) (*gorm.DB, error) {
			return gorm.Open(postgres.Open(dsn), &gorm.Config{
				Logger: gormlogger.Discard,
			})
		},
		dial: func(ctx context.Context, addr string) error {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return err
			}
			return conn.Close()
		},
		pools: make(map[string]*gorm.DB),
	}
}

// EnsureReady waits until the course backend accepts connections and the
// pool answers SELECT 1. Idempotent; concurrent callers share one pool.
func (g *Gateway) EnsureReady(ctx context.Context, courseID string) error {
	_, err := g.pool(ctx, courseID)
	return err
}

func (g *Gateway) pool(ctx context.Context, courseID string) (*gorm.DB, error) {
	g.mu.Lock()
	if db, ok := g.pools[courseID]; ok {
		g.mu.Unlock()
		return db, nil
	}
	g.mu.Unlock()

	db, err := g.connect(ctx, courseID)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.pools[courseID]; ok {
		// another caller initialized first
		closePool(db)
		return existing, nil
	}
	g.pools[courseID] = db
	return db, nil
}

// connect probes with bounded exponential backoff until the total
// readiness budget is spent: first a TCP dial, then a SELECT 1 round trip.
func (g *Gateway) connect(ctx context.Context, courseID string) (*gorm.DB, error) {
	port, err := g.resolve(courseID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCourse, courseID)
	}
	if port <= 0 {
		return nil, fmt.Errorf("%w: invalid backend port %d for %s", ErrUnknownCourse, port, courseID)
	}

	addr := fmt.Sprintf("%s:%d", g.opts.Host, port)
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=disable",
		g.opts.Host, port, g.opts.User, g.opts.Database)

	deadline := time.Now().Add(g.opts.ReadyTimeout)
	var lastErr error
	for attempt := 0; time.Now().Before(deadline); attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := g.dial(dialCtx, addr)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			db, err := g.openDB(dsn)
			if err == nil {
				probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				err = db.WithContext(probeCtx).Exec("SELECT 1").Error
				cancel()
				if err == nil {
					return db, nil
				}
				closePool(db)
			}
			lastErr = err
		}

		if err := g.probe.Sleep(ctx, attempt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
		}
	}

	return nil, fmt.Errorf("%w: %s (%v)", ErrNotReady, addr, lastErr)
}

// Execute classifies and runs one statement. Query statements return
// columns and rows; mutations return the affected row count.
func (g *Gateway) Execute(ctx context.Context, courseID, sqlText string) (*Result, error) {
	db, err := g.pool(ctx, courseID)
	if err != nil {
		return nil, err
	}

	if IsQuery(sqlText) {
		result, err := g.runQuery(ctx, db, sqlText)
		if err != nil {
			g.invalidateIfDown(ctx, courseID)
			return nil, err
		}
		return result, nil
	}

	res := db.WithContext(ctx).Exec(sqlText)
	if res.Error != nil {
		g.invalidateIfDown(ctx, courseID)
		return nil, res.Error
	}
	return &Result{
		Columns:  []string{},
		Rows:     [][]interface{}{},
		RowCount: int(res.RowsAffected),
	}, nil
}

func (g *Gateway) runQuery(ctx context.Context, db *gorm.DB, sqlText string) (*Result, error) {
	rows, err := db.WithContext(ctx).Raw(sqlText).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := make([][]interface{}, 0, 128)
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, normalizeRow(values))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &Result{Columns: cols, Rows: out, RowCount: len(out)}, nil
}

// normalizeRow makes scanned values JSON-friendly. Timestamps keep their
// original zone, formatted RFC3339.
func normalizeRow(values []interface{}) []interface{} {
	formatted := make([]interface{}, len(values))
	for i, val := range values {
		switch v := val.(type) {
		case time.Time:
			formatted[i] = v.Format(time.RFC3339)
		case []byte:
			formatted[i] = string(v)
		default:
			formatted[i] = val
		}
	}
	return formatted
}

// Info reports the backend port and whether the pool currently answers.
// It never blocks on readiness; an uninitialized pool reports disconnected.
func (g *Gateway) Info(ctx context.Context, courseID string) (*Info, error) {
	port, err := g.resolve(courseID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCourse, courseID)
	}

	info := &Info{Port: port}

	g.mu.Lock()
	db, ok := g.pools[courseID]
	g.mu.Unlock()
	if !ok {
		return info, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.WithContext(probeCtx).Exec("SELECT 1").Error; err != nil {
		return info, nil
	}
	info.Connected = true

	var version string
	if err := db.WithContext(probeCtx).Raw("SELECT version()").Scan(&version).Error; err == nil {
		info.Version = version
	}
	return info, nil
}

// Health measures a SELECT 1 round trip against the course backend,
// initializing the pool if needed.
func (g *Gateway) Health(ctx context.Context, courseID string) *Health {
	start := time.Now()
	db, err := g.pool(ctx, courseID)
	if err != nil {
		return &Health{Healthy: false, Error: err.Error()}
	}
	if err := db.WithContext(ctx).Exec("SELECT 1").Error; err != nil {
		g.invalidateIfDown(ctx, courseID)
		return &Health{Healthy: false, LatencyMS: time.Since(start).Milliseconds(), Error: err.Error()}
	}
	return &Health{Healthy: true, LatencyMS: time.Since(start).Milliseconds()}
}

// Invalidate discards the course's pool; the next demand reinitializes it.
func (g *Gateway) Invalidate(courseID string) {
	g.mu.Lock()
	db, ok := g.pools[courseID]
	if ok {
		delete(g.pools, courseID)
	}
	g.mu.Unlock()
	if ok {
		closePool(db)
	}
}

// invalidateIfDown drops the pool when the backend no longer answers a
// quick probe, so a restarted container gets a fresh pool on next use.
func (g *Gateway) invalidateIfDown(ctx context.Context, courseID string) {
	port, err := g.resolve(courseID)
	if err != nil || port <= 0 {
		g.Invalidate(courseID)
		return
	}
	dialCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := g.dial(dialCtx, fmt.Sprintf("%s:%d", g.opts.Host, port)); err != nil {
		g.log.Warn("sql backend unreachable, discarding pool", "course", courseID, "error", err)
		g.Invalidate(courseID)
	}
}

// Close discards every pool.
func (g *Gateway) Close() {
	g.mu.Lock()
	pools := g.pools
	g.pools = make(map[string]*gorm.DB)
	g.mu.Unlock()
	for _, db := range pools {
		closePool(db)
	}
}

func closePool(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}
