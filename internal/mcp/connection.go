// Package mcp implements the client side of the MCP tool server: a
// long-lived child process speaking line-delimited JSON-RPC over stdio.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/flowmentor/chat-gateway/internal/observability"
	"github.com/rs/zerolog"
)

var (
	// ErrNotRunning is returned when the tool server is down and could not be restarted
	ErrNotRunning = errors.New("tool server is not running")

	// ErrTimeout is returned when the tool server does not answer within the call timeout
	ErrTimeout = errors.New("tool server request timed out")
)

// ServerError is a JSON-RPC error returned by the tool server itself.
type ServerError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *ServerError) Error() string {
	return e.Message
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *ServerError    `json:"error"`
}

// ConnectionConfig holds settings for the tool-server connection
type ConnectionConfig struct {
	Command      []string      // argv of the tool-server process, e.g. ["npx", "-y", "n8n-mcp"]
	CallTimeout  time.Duration // default timeout per call
	StartupGrace time.Duration // how long the process must survive after launch
	StopTimeout  time.Duration // grace period before force-kill on Stop
}

// DefaultConnectionConfig returns the default connection configuration
func DefaultConnectionConfig(command []string) ConnectionConfig {
	return ConnectionConfig{
		Command:      command,
		CallTimeout:  30 * time.Second,
		StartupGrace: 1 * time.Second,
		StopTimeout:  5 * time.Second,
	}
}

// Connection manages the tool-server child process and correlates
// line-delimited JSON-RPC requests with responses.
//
// Responses are matched to waiters by request id, so a timed-out call only
// fails its own waiter and a late response for it is dropped instead of
// being handed to the next caller.
type Connection struct {
	cfg    ConnectionConfig
	logger zerolog.Logger

	// writeMu serializes frame writes so concurrent callers never
	// interleave bytes on the pipe.
	writeMu sync.Mutex

	mu         sync.Mutex // guards process lifecycle state
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	running    bool
	exited     chan struct{} // closed when the current process exits
	generation uint64        // bumped on every successful Start

	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]waiter
}

// waiter is one caller blocked on a response, tagged with the process
// generation it was issued against so a dying process's reader only fails
// its own waiters, never those registered against a restarted process.
type waiter struct {
	ch  chan response
	gen uint64
}

// NewConnection creates a tool-server connection. The process is not
// launched until Start is called.
func NewConnection(cfg ConnectionConfig, logger zerolog.Logger) *Connection {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = 1 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &Connection{
		cfg:     cfg,
		logger:  logger.With().Str("component", "mcp").Logger(),
		pending: make(map[int64]waiter),
	}
}

// Start launches the tool-server process and begins reading its output.
// It fails if the executable cannot be located or if the process exits
// within the startup grace window. Calling Start on a live connection is
// a no-op.
func (c *Connection) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running && c.processAlive() {
		c.logger.Info().Msg("Tool server already running")
		return nil
	}

	if len(c.cfg.Command) == 0 {
		return fmt.Errorf("tool server command is empty")
	}
	if _, err := exec.LookPath(c.cfg.Command[0]); err != nil {
		return fmt.Errorf("tool server launcher not found: %w", err)
	}

	c.logger.Info().Strs("command", c.cfg.Command).Msg("Starting tool server")

	cmd := exec.Command(c.cfg.Command[0], c.cfg.Command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start tool server: %w", err)
	}

	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		close(exited)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Tool server process exited")
		} else {
			c.logger.Info().Msg("Tool server process exited")
		}
	}()

	c.generation++
	go c.readStdout(stdout, c.generation)
	go c.readStderr(stderr)

	// Give the process a moment to settle; a launcher that cannot find its
	// package dies here rather than on the first call.
	select {
	case <-exited:
		return fmt.Errorf("tool server exited during startup")
	case <-time.After(c.cfg.StartupGrace):
	}

	c.cmd = cmd
	c.stdin = stdin
	c.exited = exited
	c.running = true

	c.logger.Info().Int("pid", cmd.Process.Pid).Msg("Tool server started")
	return nil
}

// Stop terminates the tool-server process, force-killing it if it does not
// exit within the stop timeout. Safe to call when already stopped.
func (c *Connection) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.running = false
	if c.cmd == nil || c.cmd.Process == nil {
		return
	}

	if c.stdin != nil {
		c.stdin.Close()
	}

	if err := c.cmd.Process.Signal(syscall.SIGTERM); err == nil {
		select {
		case <-c.exited:
		case <-time.After(c.cfg.StopTimeout):
			c.logger.Warn().Msg("Tool server did not exit in time, killing")
			_ = c.cmd.Process.Kill()
			<-c.exited
		}
	} else {
		_ = c.cmd.Process.Kill()
	}

	c.cmd = nil
	c.stdin = nil
	c.failAllPending()
	c.logger.Info().Msg("Tool server stopped")
}

// IsRunning reports whether the tool-server process is alive.
func (c *Connection) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running && c.processAlive()
}

// processAlive must be called with mu held.
func (c *Connection) processAlive() bool {
	if c.cmd == nil || c.exited == nil {
		return false
	}
	select {
	case <-c.exited:
		return false
	default:
		return true
	}
}

// Call sends one JSON-RPC request and blocks until the matching response
// arrives, the timeout elapses, or ctx is cancelled. A timeout abandons the
// in-flight request without tearing down the connection. A zero timeout
// uses the configured default.
func (c *Connection) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.cfg.CallTimeout
	}

	if !c.IsRunning() {
		c.logger.Warn().Str("method", method).Msg("Tool server not running, attempting restart")
		observability.RecordToolServerRestart()
		if err := c.Start(); err != nil {
			return nil, fmt.Errorf("%w: restart failed: %v", ErrNotRunning, err)
		}
	}

	if params == nil {
		params = map[string]any{}
	}

	id := c.nextID.Add(1)
	req := request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	payload = append(payload, '\n')

	c.mu.Lock()
	stdin := c.stdin
	gen := c.generation
	c.mu.Unlock()
	if stdin == nil {
		return nil, ErrNotRunning
	}

	ch := make(chan response, 1)
	c.pendingMu.Lock()
	c.pending[id] = waiter{ch: ch, gen: gen}
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	_, err = stdin.Write(payload)
	c.writeMu.Unlock()
	if err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	c.logger.Debug().Int64("id", id).Str("method", method).Msg("Request sent")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			c.logger.Warn().Int64("id", id).Str("method", method).Str("error", resp.Error.Message).Msg("Tool server returned error")
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		c.removePending(id)
		c.logger.Error().Int64("id", id).Str("method", method).Dur("timeout", timeout).Msg("Request timed out")
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, method, timeout)
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

// ListTools fetches the tool-server tool list (method "tools/list").
func (c *Connection) ListTools(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, "tools/list", nil, 0)
}

// CallTool invokes a named tool with arguments (method "tools/call").
func (c *Connection) CallTool(ctx context.Context, name string, arguments map[string]any) (json.RawMessage, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}
	return c.Call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": arguments,
	}, 0)
}

// readStdout parses each line of tool-server output as JSON and routes it
// to the waiter registered for its id. Lines that are not valid JSON are
// incidental process chatter, not errors. On exit it fails only the
// waiters of its own process generation.
func (c *Connection) readStdout(r io.Reader, gen uint64) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Debug().Str("line", truncate(string(line), 200)).Msg("Non-JSON output from tool server")
			continue
		}

		c.pendingMu.Lock()
		w, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()

		if !ok {
			// Late answer to an abandoned call, or a notification we never
			// asked for. Either way nobody is waiting.
			c.logger.Debug().Int64("id", resp.ID).Msg("Dropping unmatched tool server response")
			continue
		}
		w.ch <- resp
	}

	if err := scanner.Err(); err != nil {
		c.logger.Warn().Err(err).Msg("Tool server stdout reader stopped")
	}
	c.failPending(gen)
}

// readStderr drains the error stream. Tool servers legitimately write
// informational logs there, so it is never treated as a failure signal.
func (c *Connection) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			c.logger.Debug().Str("stderr", truncate(line, 200)).Msg("Tool server diagnostics")
		}
	}
}

func (c *Connection) removePending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// failPending answers the outstanding waiters of one process generation
// with a not-running error so callers do not hang when that process dies
// mid-call. Waiters already registered against a restarted process are
// left alone.
func (c *Connection) failPending(gen uint64) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, w := range c.pending {
		if w.gen != gen {
			continue
		}
		delete(c.pending, id)
		w.ch <- response{ID: id, Error: &ServerError{Message: ErrNotRunning.Error()}}
	}
}

// failAllPending answers every outstanding waiter regardless of
// generation, used on deliberate shutdown.
func (c *Connection) failAllPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, w := range c.pending {
		delete(c.pending, id)
		w.ch <- response{ID: id, Error: &ServerError{Message: ErrNotRunning.Error()}}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
