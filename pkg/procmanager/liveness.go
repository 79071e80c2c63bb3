package procmanager

import (
	"time"

	ps "github.com/mitchellh/go-ps"
)

// LivenessReport is one tracked process's recorded-vs-actual liveness.
type LivenessReport struct {
	ID          string
	OSPID       int
	Status      Status
	ActuallyUp  bool // true iff OSPID is present in the live OS process table
	ProcessName string
}

// CheckLiveness cross-checks every process this Manager still considers
// "running" against the live OS process table, catching children silently
// reaped behind our back (killed out-of-band, OOM-killed, or a PID reused
// by an unrelated process after exit slipped past waitForExit).
func (m *Manager) CheckLiveness() ([]LivenessReport, error) {
	procs, err := ps.Processes()
	if err != nil {
		return nil, err
	}
	live := make(map[int]ps.Process, len(procs))
	for _, p := range procs {
		live[p.Pid()] = p
	}

	m.mu.Lock()
	tracked := make([]*process, 0, len(m.procs))
	for _, p := range m.procs {
		tracked = append(tracked, p)
	}
	m.mu.Unlock()

	reports := make([]LivenessReport, 0, len(tracked))
	for _, p := range tracked {
		p.mu.Lock()
		rec := p.record.clone()
		p.mu.Unlock()
		if rec.Status != StatusRunning {
			continue
		}
		osProc, up := live[rec.OSPID]
		report := LivenessReport{ID: rec.ID, OSPID: rec.OSPID, Status: rec.Status, ActuallyUp: up}
		if up {
			report.ProcessName = osProc.Executable()
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// ReconcileLiveness runs CheckLiveness and marks as StatusError (with no
// exit code available) any process this Manager believed was running but
// that the OS no longer has any record of. Returns the ids corrected.
func (m *Manager) ReconcileLiveness() ([]string, error) {
	reports, err := m.CheckLiveness()
	if err != nil {
		return nil, err
	}
	var corrected []string
	for _, r := range reports {
		if r.ActuallyUp || r.OSPID == 0 {
			continue
		}
		p, lookErr := m.lookup(r.ID)
		if lookErr != nil {
			continue
		}
		p.mu.Lock()
		if p.record.Status == StatusRunning {
			// Only the record is corrected here; p.done is left to
			// waitForExit's own cmd.Wait() to close, since this process is
			// still our child even if ps no longer lists its pid (e.g. a
			// zombie awaiting our own reap) and a premature close would
			// race a concurrent close from waitForExit.
			p.record.Status = StatusError
			p.record.CompletedAt = time.Now().UTC()
			corrected = append(corrected, r.ID)
		}
		p.mu.Unlock()
	}
	return corrected, nil
}
