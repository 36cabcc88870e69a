package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	nexuserr "github.com/Ghabs95/nexus-core/internal/errors"
)

// Wrapper is a low-level tmux CLI wrapper: session lifecycle, key
// sending, and pane capture/pipe. Not tied to any single agent CLI.
type Wrapper struct {
	defaultTimeout time.Duration
	socketPath     string
}

// WrapperOption configures a Wrapper.
type WrapperOption func(*Wrapper)

// WithSocketPath sets a custom tmux -S socket path.
func WithSocketPath(path string) WrapperOption {
	return func(w *Wrapper) { w.socketPath = path }
}

// WithTimeout sets the default timeout applied when the caller's context
// has no deadline.
func WithTimeout(timeout time.Duration) WrapperOption {
	return func(w *Wrapper) { w.defaultTimeout = timeout }
}

// NewWrapper creates a tmux wrapper.
func NewWrapper(opts ...WrapperOption) *Wrapper {
	w := &Wrapper{defaultTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SessionOptions configures session creation.
type SessionOptions struct {
	Name    string
	Workdir string
	Env     map[string]string
	Width   int
	Height  int
	Command string
}

// NewSession creates a detached tmux session, failing if one of the same
// name already exists.
func (w *Wrapper) NewSession(ctx context.Context, opts SessionOptions) error {
	if opts.Name == "" {
		return fmt.Errorf("session name is required")
	}
	if w.SessionExists(ctx, opts.Name) {
		return fmt.Errorf("session %s already exists", opts.Name)
	}

	args := []string{"new-session", "-d", "-s", opts.Name}

	width, height := opts.Width, opts.Height
	if width == 0 {
		width = 200
	}
	if height == 0 {
		height = 50
	}
	args = append(args, "-x", strconv.Itoa(width), "-y", strconv.Itoa(height))

	if opts.Workdir != "" {
		args = append(args, "-c", opts.Workdir)
	}
	for k, v := range opts.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	if opts.Command != "" {
		args = append(args, opts.Command)
	}

	output, err := w.runCmd(ctx, args...)
	if err != nil {
		return fmt.Errorf("creating tmux session: %w: %s", err, output)
	}
	return nil
}

// KillSession terminates a session. Idempotent — returns nil if the
// session is already gone.
func (w *Wrapper) KillSession(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("session name is required")
	}
	if !w.SessionExists(ctx, name) {
		return nil
	}
	output, err := w.runCmd(ctx, "kill-session", "-t", name)
	if err != nil {
		if strings.Contains(string(output), "session not found") {
			return nil
		}
		return fmt.Errorf("killing tmux session: %w: %s", err, output)
	}
	return nil
}

// SessionExists reports whether name is a live tmux session.
func (w *Wrapper) SessionExists(ctx context.Context, name string) bool {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.defaultTimeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "tmux", w.buildArgs("has-session", "-t", name)...)
	return cmd.Run() == nil
}

// PanePID returns the OS PID of the pane's top-level process (typically
// the shell that exec'd into the launched command).
func (w *Wrapper) PanePID(ctx context.Context, session string) (int, error) {
	stdout, stderr, err := w.runCmdWithBuffers(ctx, "list-panes", "-t", session, "-F", "#{pane_pid}")
	if err != nil {
		return 0, fmt.Errorf("list-panes: %w: %s", err, stderr.String())
	}
	line := strings.TrimSpace(strings.SplitN(stdout.String(), "\n", 2)[0])
	pid, err := strconv.Atoi(line)
	if err != nil {
		return 0, fmt.Errorf("parsing pane pid %q: %w", line, err)
	}
	return pid, nil
}

// SendKeys sends keystrokes literally to a session, followed by Enter.
func (w *Wrapper) SendKeys(ctx context.Context, session, keys string) error {
	if session == "" {
		return fmt.Errorf("session name is required")
	}
	if output, err := w.runCmd(ctx, "send-keys", "-t", session, "-l", keys); err != nil {
		return fmt.Errorf("send-keys: %w: %s", err, output)
	}
	if output, err := w.runCmd(ctx, "send-keys", "-t", session, "Enter"); err != nil {
		return fmt.Errorf("send-keys Enter: %w: %s", err, output)
	}
	return nil
}

// PipePaneToFile streams a pane's output continuously to logPath. This is
// what lets the monitor compare now - mtime(log_file) against a step's
// effective timeout.
func (w *Wrapper) PipePaneToFile(ctx context.Context, session, logPath string) error {
	if session == "" {
		return fmt.Errorf("session name is required")
	}
	if logPath == "" {
		return fmt.Errorf("log path is required")
	}
	pipeCmd := fmt.Sprintf("cat >> %s", logPath)
	output, err := w.runCmd(ctx, "pipe-pane", "-t", session, pipeCmd)
	if err != nil {
		return fmt.Errorf("pipe-pane: %w: %s", err, output)
	}
	return nil
}

func (w *Wrapper) buildArgs(args ...string) []string {
	if w.socketPath != "" {
		return append([]string{"-S", w.socketPath}, args...)
	}
	return args
}

func (w *Wrapper) runCmd(ctx context.Context, args ...string) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.defaultTimeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "tmux", w.buildArgs(args...)...)
	return cmd.CombinedOutput()
}

func (w *Wrapper) runCmdWithBuffers(ctx context.Context, args ...string) (stdout, stderr *bytes.Buffer, err error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.defaultTimeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "tmux", w.buildArgs(args...)...)
	stdout, stderr = &bytes.Buffer{}, &bytes.Buffer{}
	cmd.Stdout, cmd.Stderr = stdout, stderr
	err = cmd.Run()
	return
}

// TmuxRuntime is a reference AgentRuntime: one tmux session per
// (issue_number, agent_type), its output continuously piped to the log
// file the monitor watches.
type TmuxRuntime struct {
	wrapper      *Wrapper
	logDir       string
	workdir      string
	commands     map[string]string // agentType -> shell command
	startupDelay time.Duration
}

// TmuxRuntimeConfig configures a TmuxRuntime.
type TmuxRuntimeConfig struct {
	LogDir       string
	Workdir      string
	Commands     map[string]string
	StartupDelay time.Duration
}

// NewTmuxRuntime creates a TmuxRuntime.
func NewTmuxRuntime(wrapper *Wrapper, cfg TmuxRuntimeConfig) *TmuxRuntime {
	if cfg.StartupDelay == 0 {
		cfg.StartupDelay = 500 * time.Millisecond
	}
	return &TmuxRuntime{
		wrapper:      wrapper,
		logDir:       cfg.LogDir,
		workdir:      cfg.Workdir,
		commands:     cfg.Commands,
		startupDelay: cfg.StartupDelay,
	}
}

func (r *TmuxRuntime) sessionName(issueNumber, agentType string) string {
	return fmt.Sprintf("nexus-%s-%s", issueNumber, agentType)
}

// LaunchAgent implements AgentRuntime.
func (r *TmuxRuntime) LaunchAgent(ctx context.Context, issueNumber, agentType, triggerSource string) (*int, string, error) {
	session := r.sessionName(issueNumber, agentType)
	if r.wrapper.SessionExists(ctx, session) {
		// Already running for this (issue, agent): the host declines to
		// launch a duplicate. Treated as transient by the caller.
		return nil, "", nil
	}

	command, ok := r.commands[agentType]
	if !ok || command == "" {
		return nil, "", nexuserr.TransientLaunch(agentType)
	}

	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		return nil, "", nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientLaunch, "creating log directory", err)
	}
	logPath := filepath.Join(r.logDir, session+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, "", nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientLaunch, "creating log file", err)
	}
	logFile.Close()

	err = r.wrapper.NewSession(ctx, SessionOptions{
		Name:    session,
		Workdir: r.workdir,
		Env:     map[string]string{"NEXUS_ISSUE_NUMBER": issueNumber, "NEXUS_TRIGGER_SOURCE": triggerSource},
		Command: command,
	})
	if err != nil {
		return nil, "", nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientLaunch, "starting tmux session", err)
	}

	cleanup := func() { r.wrapper.KillSession(context.Background(), session) }

	if err := r.wrapper.PipePaneToFile(ctx, session, logPath); err != nil {
		cleanup()
		return nil, "", nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientLaunch, "piping pane to log file", err)
	}

	time.Sleep(r.startupDelay)

	pid, err := r.wrapper.PanePID(ctx, session)
	if err != nil {
		cleanup()
		return nil, "", nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientLaunch, "reading pane pid", err)
	}

	return &pid, agentType, nil
}

// Despawn stops the tmux session for (issueNumber, agentType). Graceful
// sends Ctrl-C and polls for exit before force-killing.
func (r *TmuxRuntime) Despawn(ctx context.Context, issueNumber, agentType string, graceful bool, timeout time.Duration) error {
	session := r.sessionName(issueNumber, agentType)
	if !r.wrapper.SessionExists(ctx, session) {
		return nil
	}

	if graceful {
		if _, err := r.wrapper.runCmd(ctx, "send-keys", "-t", session, "C-c"); err == nil {
			deadline := time.Now().Add(timeout)
			for time.Now().Before(deadline) {
				if !r.wrapper.SessionExists(ctx, session) {
					return nil
				}
				time.Sleep(250 * time.Millisecond)
			}
		}
	}
	return r.wrapper.KillSession(ctx, session)
}
