// ABOUTME: Engine implementation that drives the Claude Code CLI over stream-json stdio
// ABOUTME: Pumps user input to stdin, decodes stdout into events, answers permission checks

package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultExitGrace is how long the CLI may keep running after its result
// before it is killed.
const DefaultExitGrace = 10 * time.Second

// ClaudeConfig configures the CLI engine.
type ClaudeConfig struct {
	Binary          string   // Executable name or path; "claude" when empty
	BaseArgs        []string // Placed before the generated flags, e.g. a package runner's target
	ExtraArgs       []string // Appended after the generated flags
	Env             []string // Extra KEY=VALUE entries on top of the relay's environment
	PartialMessages bool     // Stream text deltas instead of whole assistant messages
	ExitGrace       time.Duration
}

// ClaudeCLI runs each invocation as a `claude --print` subprocess.
type ClaudeCLI struct {
	cfg    ClaudeConfig
	logger *slog.Logger
}

// NewClaudeCLI creates a CLI engine.
func NewClaudeCLI(cfg ClaudeConfig, logger *slog.Logger) *ClaudeCLI {
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	if cfg.ExitGrace <= 0 {
		cfg.ExitGrace = DefaultExitGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ClaudeCLI{cfg: cfg, logger: logger.With("component", "engine")}
}

// Args builds the command line for one invocation.
func (c *ClaudeCLI) Args(opts Options) []string {
	args := append([]string(nil), c.cfg.BaseArgs...)
	args = append(args,
		"--print",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	)
	if c.cfg.PartialMessages {
		args = append(args, "--include-partial-messages")
	}
	if opts.ResumeToken != "" {
		args = append(args, "--resume", opts.ResumeToken)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", string(opts.PermissionMode))
	}
	if opts.CanUseTool != nil {
		args = append(args, "--permission-prompt-tool", "stdio")
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if opts.MCPConfig != "" {
		args = append(args, "--mcp-config", opts.MCPConfig)
	}
	for _, tool := range opts.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}
	return append(args, c.cfg.ExtraArgs...)
}

// Run starts the CLI and returns its event stream.
func (c *ClaudeCLI) Run(ctx context.Context, input Input, opts Options) (<-chan Event, error) {
	runCtx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(runCtx, c.cfg.Binary, c.Args(opts)...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	if opts.ThinkingBudget > 0 {
		cmd.Env = append(cmd.Env, "MAX_THINKING_TOKENS="+strconv.Itoa(opts.ThinkingBudget))
	}
	stderr := &tailBuffer{max: 8 << 10}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %s: %w", c.cfg.Binary, err)
	}

	s := &cliSession{
		ctx:     ctx,
		runCtx:  runCtx,
		cancel:  cancel,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReaderSize(stdout, 64<<10),
		stderr:  stderr,
		input:   input,
		opts:    opts,
		partial: c.cfg.PartialMessages,
		grace:   c.cfg.ExitGrace,
		events:  make(chan Event, 64),
		logger:  c.logger.With("pid", cmd.Process.Pid),
	}
	s.logger.Debug("engine started", "resume", opts.ResumeToken != "", "dir", opts.WorkingDir)

	go s.run()
	return s.events, nil
}

// cliSession is one running CLI process.
type cliSession struct {
	ctx    context.Context // caller's context; bounds event delivery
	runCtx context.Context // process lifetime
	cancel context.CancelFunc

	cmd    *exec.Cmd
	stdout *bufio.Reader
	stderr *tailBuffer

	writeMu     sync.Mutex
	stdin       io.WriteCloser
	stdinClosed bool

	input   Input
	opts    Options
	partial bool
	grace   time.Duration

	// Pump bookkeeping. written counts user messages on stdin; results counts
	// result lines seen. Both are only compared while the pump is stopped.
	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
	inputDone  atomic.Bool
	written    atomic.Int32
	results    int32
	folded     *Result

	events    chan Event
	toolsUsed []string
	logger    *slog.Logger
	helpers   sync.WaitGroup
}

func (s *cliSession) run() {
	defer close(s.events)

	if line, err := encodeInitialize("init-" + uuid.NewString()); err == nil {
		if err := s.write(line); err != nil {
			s.logger.Debug("writing initialize request failed", "error", err)
		}
	}

	s.startPump()

	result := s.readLoop()

	waitErr := s.cmd.Wait()
	s.cancel()
	s.closeStdin()
	<-s.pumpDone
	s.helpers.Wait()

	if result {
		return
	}

	detail := s.stderr.String()
	var err error
	switch {
	case s.ctx.Err() != nil:
		err = s.ctx.Err()
	case waitErr != nil && detail != "":
		err = fmt.Errorf("%w: %s", waitErr, detail)
	case waitErr != nil:
		err = waitErr
	default:
		err = ErrNoResult
	}
	s.logger.Warn("engine exited without result", "error", err)
	s.emit(Event{Kind: EventError, Err: err})
}

// readLoop decodes stdout until EOF. It returns true when a terminal result
// was delivered. Lines after the result are drained but not forwarded so the
// process can exit on its own.
func (s *cliSession) readLoop() bool {
	var grace *time.Timer
	defer func() {
		if grace != nil {
			grace.Stop()
		}
	}()

	sawResult := false
	for {
		line, err := s.stdout.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 && !sawResult {
			if s.handleLine(line) {
				sawResult = true
				s.closeStdin()
				grace = time.AfterFunc(s.grace, s.cancel)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("reading engine output failed", "error", err)
			}
			return sawResult
		}
	}
}

// handleLine processes one output line and reports whether it was the result.
func (s *cliSession) handleLine(line []byte) bool {
	d, err := decodeLine(line, s.partial)
	if err != nil {
		s.logger.Debug("skipping undecodable line", "error", err, "line", truncate(string(line), 200))
		return false
	}

	if d.control != nil {
		s.helpers.Add(1)
		go s.answer(*d.control)
	}

	for _, ev := range d.events {
		switch ev.Kind {
		case EventToolUse:
			s.noteTool(ev.ToolUse.Name)
		case EventResult:
			if !s.finalResult(ev.Result) {
				continue
			}
			ev.Result = s.folded
			ev.Result.ToolsUsed = append([]string(nil), s.toolsUsed...)
			s.emit(ev)
			return true
		}
		s.emit(ev)
	}
	return false
}

// finalResult folds r into the invocation result and reports whether it
// ends the invocation. The CLI answers each user message with its own result,
// so a result is final only once every message written to stdin has one.
// The pump is stopped while counting so no message is taken from the input
// without being accounted for; anything still queued stays with the input.
func (s *cliSession) finalResult(r *Result) bool {
	s.stopPump()
	s.results++

	if s.folded == nil {
		s.folded = r
	} else {
		if r.Text != "" {
			if s.folded.Text != "" {
				s.folded.Text += "\n\n"
			}
			s.folded.Text += r.Text
		}
		s.folded.SessionID = r.SessionID
		s.folded.CostUSD += r.CostUSD
		s.folded.Duration += r.Duration
		s.folded.NumTurns += r.NumTurns
		s.folded.IsError = r.IsError
	}

	if s.written.Load() > s.results {
		s.logger.Debug("intermediate result", "written", s.written.Load(), "results", s.results)
		if !s.inputDone.Load() {
			s.startPump()
		}
		return false
	}
	return true
}

func (s *cliSession) noteTool(name string) {
	for _, t := range s.toolsUsed {
		if t == name {
			return
		}
	}
	s.toolsUsed = append(s.toolsUsed, name)
}

func (s *cliSession) startPump() {
	ctx, cancel := context.WithCancel(s.runCtx)
	done := make(chan struct{})
	s.pumpCancel, s.pumpDone = cancel, done
	go s.pump(ctx, done)
}

func (s *cliSession) stopPump() {
	s.pumpCancel()
	<-s.pumpDone
}

// pump forwards user messages to stdin until the input is exhausted or ctx
// ends. A message handed over concurrently with cancellation is still written.
func (s *cliSession) pump(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		msg, err := s.input.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.inputDone.Store(true)
				s.closeStdin()
			}
			return
		}
		line, err := encodeUserMessage(msg, s.input.Session())
		if err != nil {
			s.logger.Error("encoding user message failed", "error", err)
			continue
		}
		if err := s.write(line); err != nil {
			s.logger.Warn("user message not delivered", "error", err)
			return
		}
		s.written.Add(1)
	}
}

// answer resolves one permission check through the configured hook.
func (s *cliSession) answer(req controlRequest) {
	defer s.helpers.Done()

	decision := Decision{Allow: true}
	if s.opts.CanUseTool != nil {
		decision = s.opts.CanUseTool(s.runCtx, req.call)
	}
	line, err := encodePermissionDecision(req.requestID, req.call, decision)
	if err != nil {
		s.logger.Error("encoding permission decision failed", "error", err)
		return
	}
	if err := s.write(line); err != nil {
		s.logger.Debug("permission decision not delivered", "tool", req.call.Name, "error", err)
	}
}

func (s *cliSession) write(line []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.stdinClosed {
		return io.ErrClosedPipe
	}
	_, err := s.stdin.Write(line)
	return err
}

func (s *cliSession) closeStdin() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.stdinClosed {
		return
	}
	s.stdinClosed = true
	_ = s.stdin.Close()
}

func (s *cliSession) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
