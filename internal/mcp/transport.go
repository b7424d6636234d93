package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Transport carries newline-delimited JSON-RPC frames to and from a tool
// server.
type Transport interface {
	Send(ctx context.Context, msg json.RawMessage) error
	Receive(ctx context.Context) (json.RawMessage, error)
	Close() error
}

// StdioTransport runs a tool server as a subprocess and frames messages over
// its stdin/stdout, one JSON document per line.
type StdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	stderr io.ReadCloser

	mu     sync.Mutex
	closed bool
}

// NewStdioTransport starts the server subprocess. Values in env are expanded
// against the parent environment before being passed down.
func NewStdioTransport(command string, args []string, env map[string]string) (*StdioTransport, error) {
	cmd := exec.Command(command, args...)

	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, os.ExpandEnv(v)))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", command, err)
	}

	t := &StdioTransport{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		stderr: stderr,
	}

	go func() {
		scanner := bufio.NewScanner(t.stderr)
		for scanner.Scan() {
			slog.Debug("tool server stderr", "command", command, "line", scanner.Text())
		}
	}()

	return t, nil
}

func (t *StdioTransport) Send(ctx context.Context, msg json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("transport closed")
	}
	if _, err := t.stdin.Write(append(msg, '\n')); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Receive blocks until a full line arrives or the context ends. The read
// itself cannot be interrupted, so a helper goroutine bridges it to a select.
func (t *StdioTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	type result struct {
		msg []byte
		err error
	}
	ch := make(chan result, 1)

	go func() {
		line, err := t.stdout.ReadBytes('\n')
		if err != nil {
			ch <- result{nil, err}
			return
		}
		ch <- result{line, nil}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return json.RawMessage(res.msg), nil
	}
}

// Close kills the subprocess. Safe to call more than once.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	// Killing the process closes the pipes, so a blocked Receive unwinds
	// with EOF.
	_ = t.stdin.Close()

	if t.cmd.Process != nil {
		return t.cmd.Process.Kill()
	}
	return nil
}

// ReconnectableTransport restarts the subprocess when a send fails, with
// exponential backoff between attempts. A fresh subprocess knows nothing of
// the old session, so the initialize handshake is replayed against it before
// it is published to readers.
type ReconnectableTransport struct {
	command string
	args    []string
	env     map[string]string

	mu        sync.Mutex
	transport *StdioTransport
	closed    bool
	maxRetry  int
}

func NewReconnectableTransport(command string, args []string, env map[string]string) (*ReconnectableTransport, error) {
	transport, err := NewStdioTransport(command, args, env)
	if err != nil {
		return nil, err
	}
	return &ReconnectableTransport{
		command:   command,
		args:      args,
		env:       env,
		transport: transport,
		maxRetry:  3,
	}, nil
}

func (r *ReconnectableTransport) Send(ctx context.Context, msg json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("transport closed")
	}

	err := r.transport.Send(ctx, msg)
	if err == nil {
		return nil
	}

	backoff := time.Second
	for attempt := 0; attempt < r.maxRetry; attempt++ {
		slog.Info("tool server reconnect", "command", r.command, "attempt", attempt+1, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		_ = r.transport.Close()
		next, startErr := NewStdioTransport(r.command, r.args, r.env)
		if startErr != nil {
			backoff *= 2
			continue
		}
		// Handshake directly against the unpublished transport: no reader
		// sees it yet, so the initialize response cannot be stolen by the
		// client's listener.
		if hsErr := handshake(ctx, next); hsErr != nil {
			slog.Warn("tool server handshake after reconnect", "command", r.command, "error", hsErr)
			_ = next.Close()
			backoff *= 2
			continue
		}
		r.transport = next

		if sendErr := r.transport.Send(ctx, msg); sendErr == nil {
			slog.Info("tool server reconnected", "command", r.command)
			return nil
		}
		backoff *= 2
	}

	return fmt.Errorf("reconnect failed after %d attempts: %w", r.maxRetry, err)
}

// Receive reads from the current subprocess. When a read fails because a
// reconnect replaced the subprocess underneath it, the read resumes on the
// replacement instead of surfacing the dead pipe.
func (r *ReconnectableTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	for {
		r.mu.Lock()
		t, closed := r.transport, r.closed
		r.mu.Unlock()
		if closed {
			return nil, fmt.Errorf("transport closed")
		}

		msg, err := t.Receive(ctx)
		if err == nil {
			return msg, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		r.mu.Lock()
		swapped := r.transport != t
		closed = r.closed
		r.mu.Unlock()
		if closed || !swapped {
			return nil, err
		}
	}
}

func (r *ReconnectableTransport) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return r.transport.Close()
}
