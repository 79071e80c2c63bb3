package procmanager

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// ExecPTY starts command with a controlling terminal instead of plain pipes,
// for processes that need job control or that behave differently without a
// tty (interactive prompts, progress bars). Unlike Exec, stdout/stderr are
// not separable: a pty merges them into a single stream, which is captured
// into the same ring-buffered log every other exec mode uses.
func (m *Manager) ExecPTY(command []string, cwd string, env map[string]string, cols, rows int) (string, error) {
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

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = cwd
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	var size *pty.Winsize
	if cols > 0 && rows > 0 {
		size = &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}
	}

	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return "", fmt.Errorf("procmanager: pty start: %w", err)
	}

	p.cmd = cmd
	p.stdin = ptmx // Write feeds the pty master, same as a plain process's stdin
	p.ptmx = ptmx
	p.record.OSPID = cmd.Process.Pid

	m.mu.Lock()
	m.procs[id] = p
	m.mu.Unlock()
	m.save(p.record.clone())

	go m.captureOutput(p, ptmx)
	go m.waitForExit(p)

	return id, nil
}

// Resize updates a PTY-backed process's terminal size. It returns
// ErrNotFound for an unknown id and a "not a pty process" error for a
// process started via Exec/ExecInContainer.
func (m *Manager) Resize(id string, cols, rows int) error {
	p, err := m.lookup(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	ptmx := p.ptmx
	p.mu.Unlock()
	if ptmx == nil {
		return fmt.Errorf("procmanager: %s: not a pty process", id)
	}
	return pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}
