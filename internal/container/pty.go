package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	containerTypes "github.com/docker/docker/api/types/container"
)

// PTY is an interactive terminal attached to a container.
type PTY interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Resize(ctx context.Context, rows, cols int) error
	Wait(ctx context.Context) (int, error)
	Close() error
}

// AttachOptions configures an interactive PTY session.
type AttachOptions struct {
	Cmd        []string // defaults to /bin/bash
	Env        map[string]string
	WorkingDir string
	Rows       int
	Cols       int
}

func (c *Controller) attachExec(ctx context.Context, rec *Record, opts AttachOptions) (PTY, error) {
	cmd := opts.Cmd
	if len(cmd) == 0 {
		cmd = []string{"/bin/bash"}
	}

	var env []string
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	execConfig := containerTypes.ExecOptions{
		Cmd:          cmd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Env:          env,
		WorkingDir:   opts.WorkingDir,
	}

	execCreate, err := c.api.ContainerExecCreate(ctx, rec.DockerID, execConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttachFailed, err)
	}

	resp, err := c.api.ContainerExecAttach(ctx, execCreate.ID, containerTypes.ExecStartOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttachFailed, err)
	}

	if opts.Rows > 0 && opts.Cols > 0 {
		c.api.ContainerExecResize(ctx, execCreate.ID, containerTypes.ResizeOptions{
			Height: uint(opts.Rows),
			Width:  uint(opts.Cols),
		})
	}

	return &execPTY{
		api:      c.api,
		execID:   execCreate.ID,
		hijacked: resp,
	}, nil
}

// execPTY implements PTY over a Docker exec session.
type execPTY struct {
	api       DockerAPI
	execID    string
	hijacked  types.HijackedResponse
	closeOnce sync.Once
}

func (p *execPTY) Read(b []byte) (int, error) {
	return p.hijacked.Reader.Read(b)
}

func (p *execPTY) Write(b []byte) (int, error) {
	return p.hijacked.Conn.Write(b)
}

func (p *execPTY) Resize(ctx context.Context, rows, cols int) error {
	return p.api.ContainerExecResize(ctx, p.execID, containerTypes.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	})
}

func (p *execPTY) Close() error {
	p.closeOnce.Do(func() {
		p.hijacked.Close()
	})
	return nil
}

// Wait polls until the exec process exits and returns its exit code.
func (p *execPTY) Wait(ctx context.Context) (int, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
			inspect, err := p.api.ContainerExecInspect(ctx, p.execID)
			if err != nil {
				return -1, err
			}
			if !inspect.Running {
				return inspect.ExitCode, nil
			}
		}
	}
}
