// Package process runs external tools with injected environment, bounded
// output capture and process-tree cancellation.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultMaxOutput caps captured stdout and stderr of non-cancellable
	// commands.
	DefaultMaxOutput = 4 << 20

	// DefaultKillGrace is the wait between SIGTERM and SIGKILL.
	DefaultKillGrace = 1500 * time.Millisecond
)

var errKilled = errors.New("killed on request")

// Command describes one external invocation.
type Command struct {
	// Name and Args are executed directly. Name is resolved against the
	// runner's bin directory before PATH.
	Name string
	Args []string

	// Script, when set, is run through the platform shell instead of Name.
	Script string

	Dir   string
	Env   map[string]string
	Stdin io.Reader

	// Abortable registers the process so KillActive can terminate it.
	Abortable bool
}

func (c Command) label() string {
	if c.Script != "" {
		return "shell"
	}
	return filepath.Base(c.Name)
}

// Runner executes commands. At most one cancellable command is tracked at a
// time.
type Runner struct {
	binDir    string
	logger    zerolog.Logger
	maxOutput int
	killGrace time.Duration

	mu     sync.Mutex
	active *trackedProcess
}

type trackedProcess struct {
	cmd    *exec.Cmd
	exited <-chan struct{}
	killed atomic.Bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithMaxOutput overrides the output cap.
func WithMaxOutput(n int) Option {
	return func(r *Runner) { r.maxOutput = n }
}

// WithKillGrace overrides the SIGTERM to SIGKILL wait.
func WithKillGrace(d time.Duration) Option {
	return func(r *Runner) { r.killGrace = d }
}

// NewRunner creates a Runner that prepends binDir to PATH.
func NewRunner(binDir string, logger zerolog.Logger, opts ...Option) *Runner {
	r := &Runner{
		binDir:    binDir,
		logger:    logger.With().Str("component", "process_runner").Logger(),
		maxOutput: DefaultMaxOutput,
		killGrace: DefaultKillGrace,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BinDir returns the directory prepended to PATH.
func (r *Runner) BinDir() string {
	return r.binDir
}

// Run executes the command and returns its stdout.
func (r *Runner) Run(ctx context.Context, c Command) ([]byte, error) {
	cancellable := c.Abortable || ctx.Done() != nil

	name, args, err := r.commandLine(c)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	cmd.Env = mergeEnv(os.Environ(), c.Env, r.binDir)
	setProcessGroup(cmd)

	limit := r.maxOutput
	if cancellable {
		limit = 0
	}
	overflow := make(chan struct{})
	var once sync.Once
	signalOverflow := func() { once.Do(func() { close(overflow) }) }
	stdout := &cappedBuffer{limit: limit, onOverflow: signalOverflow}
	stderr := &cappedBuffer{limit: limit, onOverflow: signalOverflow}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	r.logger.Debug().
		Str("command", name).
		Strs("args", args).
		Strs("env_keys", envKeys(c.Env)).
		Str("dir", c.Dir).
		Bool("cancellable", cancellable).
		Msg("executing command")

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.label(), err)
	}

	// exited is closed once Wait has reaped the process.
	exited := make(chan struct{})
	done := make(chan error, 1)

	var tracked *trackedProcess
	if cancellable {
		tracked = r.track(cmd, exited)
		defer r.untrack(tracked)
	}

	go func() {
		err := cmd.Wait()
		close(exited)
		done <- err
	}()

	var (
		waitErr    error
		aborted    bool
		overflowed bool
	)
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		aborted = true
		r.kill(cmd, exited)
		waitErr = <-done
	case <-overflow:
		overflowed = true
		r.kill(cmd, exited)
		waitErr = <-done
	}

	select {
	case <-overflow:
		overflowed = true
	default:
	}
	if tracked != nil && tracked.killed.Load() {
		aborted = true
	}

	switch {
	case aborted:
		cause := ctx.Err()
		if cause == nil {
			cause = errKilled
		}
		r.logger.Debug().Str("command", c.label()).Msg("command aborted")
		return nil, &ExecError{Kind: KindAborted, Command: c.label(), ExitCode: -1, Err: cause}
	case overflowed:
		return nil, &ExecError{Kind: KindOverflow, Command: c.label(), ExitCode: -1, Err: ErrOutputOverflow}
	case waitErr != nil:
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return nil, &ExecError{
			Kind:     KindFailed,
			Command:  c.label(),
			ExitCode: exitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Err:      waitErr,
		}
	}

	return stdout.Bytes(), nil
}

// KillActive terminates the tracked cancellable command, if any. The
// interrupted Run returns an aborted error.
func (r *Runner) KillActive() bool {
	r.mu.Lock()
	tracked := r.active
	r.mu.Unlock()

	if tracked == nil {
		return false
	}
	tracked.killed.Store(true)
	r.kill(tracked.cmd, tracked.exited)
	return true
}

// HasActive reports whether a cancellable command is running.
func (r *Runner) HasActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

func (r *Runner) track(cmd *exec.Cmd, exited <-chan struct{}) *trackedProcess {
	t := &trackedProcess{cmd: cmd, exited: exited}
	r.mu.Lock()
	if r.active != nil {
		r.logger.Warn().Int("pid", r.active.cmd.Process.Pid).Msg("replacing tracked abortable command")
	}
	r.active = t
	r.mu.Unlock()
	return t
}

func (r *Runner) untrack(t *trackedProcess) {
	r.mu.Lock()
	if r.active == t {
		r.active = nil
	}
	r.mu.Unlock()
}

func (r *Runner) kill(cmd *exec.Cmd, exited <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	select {
	case <-exited:
		return
	default:
	}
	if err := KillTree(cmd.Process.Pid, r.killGrace, exited); err != nil {
		r.logger.Warn().Err(err).Int("pid", cmd.Process.Pid).Msg("failed to kill process tree")
	}
}

func (r *Runner) commandLine(c Command) (string, []string, error) {
	if c.Script != "" {
		if runtime.GOOS == "windows" {
			return "cmd", []string{"/C", c.Script}, nil
		}
		return "/bin/sh", []string{"-c", c.Script}, nil
	}
	if c.Name == "" {
		return "", nil, errors.New("no command specified")
	}
	return r.resolve(c.Name), c.Args, nil
}

// resolve finds a bare command name in the bin directory first.
func (r *Runner) resolve(name string) string {
	if r.binDir == "" || strings.ContainsRune(name, '/') || strings.ContainsRune(name, filepath.Separator) {
		return name
	}
	candidates := []string{filepath.Join(r.binDir, name)}
	if runtime.GOOS == "windows" && filepath.Ext(name) == "" {
		candidates = append([]string{filepath.Join(r.binDir, name+".exe")}, candidates...)
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return name
}

// mergeEnv returns base with overrides applied and binDir prepended to PATH.
func mergeEnv(base []string, overrides map[string]string, binDir string) []string {
	env := make([]string, 0, len(base)+len(overrides)+1)
	pathValue := ""
	pathKey := "PATH"
	for _, kv := range base {
		key, value, _ := strings.Cut(kv, "=")
		if strings.EqualFold(key, "PATH") {
			pathKey = key
			pathValue = value
			continue
		}
		if _, ok := overrides[key]; ok {
			continue
		}
		env = append(env, kv)
	}

	for _, key := range envKeys(overrides) {
		if strings.EqualFold(key, "PATH") {
			pathValue = overrides[key]
			continue
		}
		env = append(env, key+"="+overrides[key])
	}

	if binDir != "" {
		if pathValue == "" {
			pathValue = binDir
		} else {
			pathValue = binDir + string(os.PathListSeparator) + pathValue
		}
	}
	return append(env, pathKey+"="+pathValue)
}

func envKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// cappedBuffer is a bytes.Buffer that reports when more than limit bytes are
// written. A zero limit is unbounded.
type cappedBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int
	onOverflow func()
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit > 0 && b.buf.Len()+len(p) > b.limit {
		b.onOverflow()
		return 0, ErrOutputOverflow
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Bytes()
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
