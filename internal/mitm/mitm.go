// Package mitm launches an external mitmdump process for recording or
// replaying traffic when the built-in proxy is not wanted.
package mitm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"sync"

	"github.com/m-lab/ndt-e2e-clientworker/internal/logger"
)

// DefaultBinary is looked up on PATH when Options.Binary is empty.
const DefaultBinary = "mitmdump"

// ErrToolNotInstalled is matched by every ToolNotInstalledError.
var ErrToolNotInstalled = errors.New("external tool not installed")

// ToolNotInstalledError reports a missing executable and how to get it.
type ToolNotInstalledError struct {
	Tool string
	Hint string
	Err  error
}

func (e *ToolNotInstalledError) Error() string {
	return fmt.Sprintf("%s is not installed or not on PATH (try: %s)", e.Tool, e.Hint)
}

// Is makes errors.Is(err, ErrToolNotInstalled) succeed.
func (e *ToolNotInstalledError) Is(target error) bool {
	return target == ErrToolNotInstalled
}

func (e *ToolNotInstalledError) Unwrap() error {
	return e.Err
}

// Options configures a mitmdump launch.
type Options struct {
	// Binary overrides DefaultBinary.
	Binary string
	// Port is the local port mitmdump listens on.
	Port int
	// Output receives the process's stdout and stderr. Nil discards them.
	Output io.Writer
	Logger logger.Logger
}

// ReplayOptions configures a server-replay launch.
type ReplayOptions struct {
	Options
	// File is a flow file written by an earlier Dump.
	File string
	// DiscoveryHost is rewritten to DiscoveryAddr in every replayed body.
	DiscoveryHost string
	DiscoveryAddr string
}

// DumpArgs returns the command line that records every flow into file.
func DumpArgs(port int, file string) []string {
	return []string{
		"--no-http2",
		"--listen-port", strconv.Itoa(port),
		"--save-stream-file", file,
	}
}

// ReplayArgs returns the command line that answers every request from a
// recorded flow file regardless of the requested host.
func ReplayArgs(opts ReplayOptions) []string {
	args := []string{
		"--no-http2",
		"--listen-port", strconv.Itoa(opts.Port),
		"--mode", "reverse:http://ignored.ignored",
		"--server-replay", opts.File,
		"--set", "server_replay_ignore_host=true",
		"--set", "server_replay_nopop=true",
	}
	if opts.DiscoveryHost != "" && opts.DiscoveryAddr != "" {
		args = append(args, "--modify-body",
			"/~s/"+regexp.QuoteMeta(opts.DiscoveryHost)+"/"+opts.DiscoveryAddr)
	}
	return args
}

// Process is a running mitmdump. It satisfies lifecycle.Runner so a
// Manager can wait for the proxy to answer before a test starts.
type Process struct {
	cmd    *exec.Cmd
	port   int
	logger logger.Logger

	done    chan struct{}
	waitErr error

	mu       sync.Mutex
	stopping bool
	stopOnce sync.Once
}

// Dump starts mitmdump recording to file.
func Dump(opts Options, file string) (*Process, error) {
	return start(opts, DumpArgs(opts.Port, file))
}

// Replay starts mitmdump answering from a recorded flow file.
func Replay(opts ReplayOptions) (*Process, error) {
	return start(opts.Options, ReplayArgs(opts))
}

func start(opts Options, args []string) (*Process, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	binary := opts.Binary
	if binary == "" {
		binary = DefaultBinary
	}

	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, &ToolNotInstalledError{Tool: binary, Hint: "pip install mitmproxy", Err: err}
	}

	cmd := exec.Command(path, args...)
	out := opts.Output
	if out == nil {
		out = io.Discard
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return nil, &ToolNotInstalledError{Tool: binary, Hint: "pip install mitmproxy", Err: err}
	}
	log.Info("Started external proxy", "tool", binary, "pid", cmd.Process.Pid, "port", opts.Port)

	p := &Process{
		cmd:    cmd,
		port:   opts.Port,
		logger: log,
		done:   make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// Port returns the port mitmdump was told to listen on.
func (p *Process) Port() int {
	return p.port
}

// Serve blocks until the process exits. Exits caused by Shutdown are not
// errors.
func (p *Process) Serve() error {
	<-p.done
	p.mu.Lock()
	stopping := p.stopping
	p.mu.Unlock()
	if stopping {
		return nil
	}
	if p.waitErr != nil {
		return fmt.Errorf("mitmdump exited: %w", p.waitErr)
	}
	return errors.New("mitmdump exited")
}

// Shutdown kills the process and waits for it to be reaped.
func (p *Process) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopping = true
		p.mu.Unlock()
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Warn("Failed to kill external proxy", "error", err)
		}
	})
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close kills the process and waits for it.
func (p *Process) Close() error {
	return p.Shutdown(context.Background())
}
