// Package procmanager tracks long-lived external child processes: async
// exec with polling, a bounded-wait synchronous variant, stdin feeding,
// signal-based kill, and a ring-buffered, ANSI-sanitized log per process.
// Children are started in their own process group so Kill can signal the
// whole tree, not just the immediate child.
package procmanager

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Status is a process record's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusKilled    Status = "killed"
	// StatusLost marks a record that was "running" when the owning process
	// restarted; its real child process is gone and unrecoverable.
	StatusLost Status = "lost"
)

// Signal selects how Kill terminates a process.
type Signal string

const (
	SIGTERM Signal = "sigterm"
	SIGKILL Signal = "sigkill"
)

var (
	ErrNotFound     = errors.New("procmanager: not found")
	ErrStillRunning = errors.New("procmanager: still running")
	ErrEmptyCommand = errors.New("procmanager: empty command")
	ErrTimeout      = errors.New("procmanager: timeout")
)

// Record is a process's observable state.
type Record struct {
	ID             string
	Command        []string
	Cwd            string
	Env            map[string]string
	OSPID          int
	Status         Status
	ExitCode       *int
	Cancelled      bool
	Truncated      bool
	InsertedAt     time.Time
	CompletedAt    time.Time
	FullOutputPath string
}

// Persister mirrors process records to durable storage. Put is called at
// every status transition; Delete mirrors Manager.Clear.
type Persister interface {
	Put(Record) error
	Delete(id string) error
	LoadAll() ([]Record, error)
	Close() error
}

func (r Record) clone() Record {
	out := r
	out.Command = append([]string(nil), r.Command...)
	if r.Env != nil {
		out.Env = make(map[string]string, len(r.Env))
		for k, v := range r.Env {
			out.Env[k] = v
		}
	}
	if r.ExitCode != nil {
		code := *r.ExitCode
		out.ExitCode = &code
	}
	return out
}

// PollResult is the reply to Poll: the record plus a tail of log lines.
type PollResult struct {
	Record
	Lines []string
}

// SyncResult is ExecSync's reply: either Completed holds the final record
// (process finished within timeout_ms) or Backgrounded is true and ProcessID
// names a still-running process handed off to the background (yield_ms
// elapsed with no completion).
type SyncResult struct {
	ProcessID    string
	Completed    *Record
	Backgrounded bool
}

type process struct {
	mu     sync.Mutex
	record Record

	cmd        *exec.Cmd
	stdin      io.WriteCloser
	ptmx       *os.File // set only for ExecPTY-started processes (pty.go)
	logs       *ringBuffer
	done       chan struct{}
	totalBytes int64
	spill      *os.File
	spillPath  string

	subsMu sync.Mutex
	subs   map[chan string]struct{}
}

func (p *process) publish(line string) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	for ch := range p.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Manager owns a registry of processes keyed by id.
type Manager struct {
	mu        sync.Mutex
	procs     map[string]*process
	dead      map[string]Record // crash-recovered records with no live process behind them
	nextID    func() string
	maxBytes  int64
	tailLines int
	spillDir  string
	persist   Persister

	// dockerImage/dockerPort/docker back ExecInContainer (docker.go);
	// docker is lazily initialized on first use since most Managers never
	// touch it.
	dockerImage string
	dockerPort  string
	docker      *containerRuntime
}

// Option configures New.
type Option func(*Manager)

func WithMaxBytes(n int64) Option    { return func(m *Manager) { m.maxBytes = n } }
func WithTailLines(n int) Option     { return func(m *Manager) { m.tailLines = n } }
func WithSpillDir(dir string) Option { return func(m *Manager) { m.spillDir = dir } }
func WithIDGenerator(f func() string) Option {
	return func(m *Manager) { m.nextID = f }
}

// WithPersister wires a durable mirror. Any records it returns from
// LoadAll are adopted at startup as crash-recovered entries; any still
// "running" is rewritten to StatusLost, since the host process backing it
// could not have survived this process's own restart.
func WithPersister(p Persister) Option {
	return func(m *Manager) { m.persist = p }
}

// New constructs a Manager. Default maxBytes is 10MB; default tail is 2000
// lines in memory; default spill dir is os.TempDir.
func New(opts ...Option) *Manager {
	m := &Manager{
		procs:     make(map[string]*process),
		dead:      make(map[string]Record),
		maxBytes:  10 * 1024 * 1024,
		tailLines: 2000,
		spillDir:  os.TempDir(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.nextID == nil {
		counter := 0
		m.nextID = func() string {
			counter++
			return fmt.Sprintf("proc-%d", counter)
		}
	}
	if m.persist != nil {
		if recs, err := m.persist.LoadAll(); err == nil {
			for _, r := range recs {
				if r.Status == StatusRunning {
					r.Status = StatusLost
					r.Cancelled = true
					r.CompletedAt = time.Now().UTC()
					_ = m.persist.Put(r)
				}
				m.dead[r.ID] = r
			}
		}
	}
	return m
}

func (m *Manager) save(r Record) {
	if m.persist == nil {
		return
	}
	_ = m.persist.Put(r)
}

// Exec starts command asynchronously and returns its process id once the
// OS process has been spawned (record already carries os_pid and status
// running).
func (m *Manager) Exec(ctx context.Context, command []string, cwd string, env map[string]string) (string, error) {
	if len(command) == 0 {
		return "", ErrEmptyCommand
	}

	m.mu.Lock()
	id := m.nextID()
	m.mu.Unlock()

	p := &process{
		record: Record{
			ID:         id,
			Command:    append([]string(nil), command...),
			Cwd:        cwd,
			Env:        env,
			Status:     StatusRunning,
			InsertedAt: time.Now().UTC(),
		},
		logs: newRingBuffer(m.tailLines),
		done: make(chan struct{}),
		subs: make(map[chan string]struct{}),
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = cwd
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("procmanager: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("procmanager: stderr pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("procmanager: stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("procmanager: start: %w", err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.record.OSPID = cmd.Process.Pid

	m.mu.Lock()
	m.procs[id] = p
	m.mu.Unlock()
	m.save(p.record.clone())

	// Both pipes are drained before waitForExit runs cmd.Wait, which closes
	// them; output still unread at that point would otherwise be lost.
	var capture sync.WaitGroup
	capture.Add(2)
	go func() { defer capture.Done(); m.captureOutput(p, stdout) }()
	go func() { defer capture.Done(); m.captureOutput(p, stderr) }()
	go func() { capture.Wait(); m.waitForExit(p) }()

	return id, nil
}

// ExecSync runs command and waits up to timeoutMs for it to finish. If
// yieldMs is positive and elapses first, it hands the still-running process
// back to the caller as a bare process_id instead of continuing to block.
func (m *Manager) ExecSync(ctx context.Context, command []string, cwd string, env map[string]string, timeoutMs, yieldMs int) (SyncResult, error) {
	id, err := m.Exec(ctx, command, cwd, env)
	if err != nil {
		return SyncResult{}, err
	}

	m.mu.Lock()
	p := m.procs[id]
	m.mu.Unlock()

	var timeoutCh <-chan time.Time
	if timeoutMs > 0 {
		timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	var yieldCh <-chan time.Time
	if yieldMs > 0 {
		timer := time.NewTimer(time.Duration(yieldMs) * time.Millisecond)
		defer timer.Stop()
		yieldCh = timer.C
	}

	select {
	case <-p.done:
		p.mu.Lock()
		rec := p.record.clone()
		p.mu.Unlock()
		return SyncResult{ProcessID: id, Completed: &rec}, nil
	case <-yieldCh:
		return SyncResult{ProcessID: id, Backgrounded: true}, nil
	case <-timeoutCh:
		// timeout_ms elapsed with no yield_ms to hand the process off to the
		// background: a timed-out process is killed rather than left running
		// untracked, and its id is returned alongside the error so the
		// caller can still Poll/Logs it.
		m.Kill(id, SIGTERM)
		return SyncResult{ProcessID: id}, ErrTimeout
	case <-ctx.Done():
		m.Kill(id, SIGTERM)
		return SyncResult{ProcessID: id}, ctx.Err()
	}
}

// captureOutput feeds one output pipe into the ring buffer and the raw
// capture file. The capture file records everything from the first line so
// that, when the byte cap is exceeded and the in-memory tail starts losing
// the head of the output, full_output_path still holds the complete run;
// runs that stay under the cap have their capture file deleted on exit.
func (m *Manager) captureOutput(p *process, r io.Reader) {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			clean := Sanitize(strings.TrimRight(line, "\r\n"))
			p.logs.Add(clean)
			p.publish(clean)

			p.mu.Lock()
			needsSpill := p.spillPath == ""
			p.mu.Unlock()
			if needsSpill {
				m.openSpill(p)
			}

			p.mu.Lock()
			p.totalBytes += int64(len(line))
			if p.spill != nil {
				p.spill.WriteString(line)
			}
			if p.totalBytes > m.maxBytesOrDefault() && !p.record.Truncated {
				p.record.Truncated = true
				p.record.FullOutputPath = p.spillPath
			}
			p.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) maxBytesOrDefault() int64 {
	if m.maxBytes <= 0 {
		return 10 * 1024 * 1024
	}
	return m.maxBytes
}

func (m *Manager) openSpill(p *process) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.spillPath != "" {
		return
	}
	path := filepath.Join(m.spillDir, fmt.Sprintf("procmanager-%s.log", p.record.ID))
	p.spillPath = path
	f, err := os.Create(path)
	if err != nil {
		return
	}
	p.spill = f
}

func (m *Manager) waitForExit(p *process) {
	err := p.cmd.Wait()

	p.mu.Lock()
	cancelled := p.record.Cancelled
	p.record.CompletedAt = time.Now().UTC()

	switch {
	case cancelled:
		p.record.Status = StatusKilled
		p.record.ExitCode = nil
	case err == nil:
		code := 0
		p.record.Status = StatusCompleted
		p.record.ExitCode = &code
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			p.record.ExitCode = &code
			if code == 0 {
				p.record.Status = StatusCompleted
			} else {
				p.record.Status = StatusError
			}
		} else {
			code := -1
			p.record.ExitCode = &code
			p.record.Status = StatusError
		}
	}
	if p.spill != nil {
		p.spill.Close()
		p.spill = nil
	}
	if !p.record.Truncated && p.spillPath != "" {
		os.Remove(p.spillPath)
		p.spillPath = ""
	}
	if p.ptmx != nil {
		p.ptmx.Close()
	}
	rec := p.record.clone()
	p.mu.Unlock()

	m.save(rec)
	close(p.done)
}

// Poll returns the current record and up to `lines` tail lines of output
// (0 means every buffered line).
func (m *Manager) Poll(id string, lines int) (PollResult, error) {
	p, err := m.lookup(id)
	if err != nil {
		m.mu.Lock()
		rec, ok := m.dead[id]
		m.mu.Unlock()
		if ok {
			return PollResult{Record: rec.clone()}, nil
		}
		return PollResult{}, err
	}
	p.mu.Lock()
	rec := p.record.clone()
	p.mu.Unlock()
	if p.logs.Evicted() {
		rec.Truncated = true
	}
	tail := p.logs.Tail(lines)
	texts := make([]string, len(tail))
	for i, l := range tail {
		texts[i] = l.Text
	}
	return PollResult{Record: rec, Lines: texts}, nil
}

// Logs returns every buffered log line for id.
func (m *Manager) Logs(id string) ([]string, error) {
	res, err := m.Poll(id, 0)
	if err != nil {
		return nil, err
	}
	return res.Lines, nil
}

// LogsAfter returns every line published after afterSeq for id, in
// chronological order, letting a caller resume a log stream by sequence
// number instead of re-polling the whole tail on every call.
func (m *Manager) LogsAfter(id string, afterSeq uint64) ([]LogLine, error) {
	p, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return p.logs.GetAfter(afterSeq, 0), nil
}

// LogsRange returns every buffered line with sequence in [fromSeq, toSeq]
// for id, in chronological order; toSeq<=0 means no upper bound.
func (m *Manager) LogsRange(id string, fromSeq, toSeq uint64) ([]LogLine, error) {
	p, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return p.logs.GetRange(fromSeq, toSeq), nil
}

// Write feeds data to the process's stdin.
func (m *Manager) Write(id string, data string) error {
	p, err := m.lookup(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("procmanager: %s: no stdin", id)
	}
	_, err = io.WriteString(stdin, data)
	return err
}

// Kill signals the process group. Subsequent completion is reported as
// StatusKilled regardless of the exit code the signal produces.
func (m *Manager) Kill(id string, sig Signal) error {
	p, err := m.lookup(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	pid := p.record.OSPID
	p.record.Cancelled = true
	rec := p.record.clone()
	p.mu.Unlock()
	m.save(rec)

	if pid == 0 {
		// Docker-backed processes (docker.go) have no host OSPID; the
		// Engine API has no direct "kill this exec" call, only kill-the-
		// whole-container, so Cancelled is recorded and picked up once the
		// exec's own command exits or the caller stops the container.
		return nil
	}
	var osSig syscall.Signal
	switch sig {
	case SIGKILL:
		osSig = syscall.SIGKILL
	default:
		osSig = syscall.SIGTERM
	}
	return syscall.Kill(-pid, osSig)
}

// Clear removes a terminal process's record and log buffer. It refuses to
// clear a still-running process.
func (m *Manager) Clear(id string) error {
	p, err := m.lookup(id)
	if err != nil {
		m.mu.Lock()
		_, ok := m.dead[id]
		if ok {
			delete(m.dead, id)
		}
		m.mu.Unlock()
		if ok {
			if m.persist != nil {
				_ = m.persist.Delete(id)
			}
			return nil
		}
		return err
	}
	p.mu.Lock()
	running := p.record.Status == StatusRunning
	p.mu.Unlock()
	if running {
		return ErrStillRunning
	}
	m.mu.Lock()
	delete(m.procs, id)
	m.mu.Unlock()
	if m.persist != nil {
		_ = m.persist.Delete(id)
	}
	return nil
}

// ClearOld removes terminal records whose CompletedAt is older than ttl,
// returning the number removed.
func (m *Manager) ClearOld(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	removed := 0
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.procs {
		p.mu.Lock()
		stale := p.record.Status != StatusRunning && !p.record.CompletedAt.IsZero() && p.record.CompletedAt.Before(cutoff)
		p.mu.Unlock()
		if stale {
			delete(m.procs, id)
			if m.persist != nil {
				_ = m.persist.Delete(id)
			}
			removed++
		}
	}
	for id, rec := range m.dead {
		if !rec.CompletedAt.IsZero() && rec.CompletedAt.Before(cutoff) {
			delete(m.dead, id)
			if m.persist != nil {
				_ = m.persist.Delete(id)
			}
			removed++
		}
	}
	return removed
}

// List returns every record, optionally filtered by status. Crash-recovered
// records adopted from a Persister (see WithPersister) are included.
func (m *Manager) List(statusFilter Status) []Record {
	m.mu.Lock()
	procs := make([]*process, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	dead := make([]Record, 0, len(m.dead))
	for _, r := range m.dead {
		dead = append(dead, r)
	}
	m.mu.Unlock()

	out := make([]Record, 0, len(procs)+len(dead))
	for _, p := range procs {
		p.mu.Lock()
		rec := p.record.clone()
		p.mu.Unlock()
		if statusFilter != "" && rec.Status != statusFilter {
			continue
		}
		out = append(out, rec)
	}
	for _, rec := range dead {
		if statusFilter != "" && rec.Status != statusFilter {
			continue
		}
		out = append(out, rec.clone())
	}
	return out
}

// ActiveCount returns the number of processes currently running.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.procs {
		p.mu.Lock()
		if p.record.Status == StatusRunning {
			n++
		}
		p.mu.Unlock()
	}
	return n
}

// Subscribe returns a channel of sanitized output lines published as they
// arrive; each process's subscribers are independent of every other
// process's, and of each other.
func (m *Manager) Subscribe(id string) (<-chan string, func(), error) {
	p, err := m.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan string, 64)
	p.subsMu.Lock()
	p.subs[ch] = struct{}{}
	p.subsMu.Unlock()
	cancel := func() {
		p.subsMu.Lock()
		delete(p.subs, ch)
		p.subsMu.Unlock()
	}
	return ch, cancel, nil
}

// Close releases the docker client, if ExecInContainer was ever used, and
// the persister, if one was wired via WithPersister. It does not stop or
// wait on any in-flight process.
func (m *Manager) Close() error {
	m.mu.Lock()
	docker := m.docker
	persist := m.persist
	m.mu.Unlock()
	if docker != nil {
		if err := docker.Close(); err != nil {
			return err
		}
	}
	if persist != nil {
		return persist.Close()
	}
	return nil
}

func (m *Manager) lookup(id string) (*process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}
