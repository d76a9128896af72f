// Package arbiter elects exactly one daemon instance as the writer for an
// account while several client windows are open at once.
//
// There is no central coordinator. Each instance periodically writes a
// heartbeat file — instance id, monotonically increasing priority token,
// write timestamp — into a shared per-account directory, and every instance
// independently computes the winner from the same inputs: the live heartbeat
// with the highest priority token wins, ties broken by lexicographic instance
// id (lowest wins) so all instances converge on the same answer regardless of
// arrival order. Heartbeats older than the timeout are ignored, which bounds
// any split-brain window to a single heartbeat interval.
package arbiter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"

	"tools.zach/dev/timekeep/internal/atomicfile"
	"tools.zach/dev/timekeep/internal/migrate"
)

// ///////////////////////////////////////////////
// Heartbeat File
// ///////////////////////////////////////////////

// HeartbeatExt is the filename suffix for heartbeat files.
const HeartbeatExt = ".hb.json"

// Heartbeat is one instance's announcement, persisted as JSON in the shared
// per-account directory.
type Heartbeat struct {
	// Version is the schema version of the heartbeat file.
	Version int `json:"$version"`
	// InstanceID uniquely identifies the announcing daemon instance.
	InstanceID string `json:"instanceId"`
	// AccountID is the account this heartbeat arbitrates for.
	AccountID string `json:"accountId"`
	// PriorityToken increases monotonically; the most recently focused
	// instance carries the highest token and wins the election.
	PriorityToken int64 `json:"priorityToken"`
	// WrittenAtUnixMs is the wall-clock write time. Heartbeats older than the
	// timeout are treated as dead.
	WrittenAtUnixMs int64 `json:"writtenAtUnixMs"`
}

// ///////////////////////////////////////////////
// Arbitrator
// ///////////////////////////////////////////////

const (
	// DefaultInterval is how often an instance re-announces its heartbeat.
	DefaultInterval = 5 * time.Second
	// DefaultTimeout is the age beyond which a heartbeat is considered dead.
	DefaultTimeout = 15 * time.Second
)

// Arbitrator announces this instance's heartbeat and tracks which instance is
// the active writer for one account.
type Arbitrator struct {
	dir        string
	accountID  string
	instanceID string
	clock      quartz.Clock
	interval   time.Duration
	timeout    time.Duration

	mu sync.Mutex
	// token is this instance's current priority token.
	token int64
	// leader is the result of the most recent election round.
	leader bool
	// onChange observers are invoked (with the lock released) whenever
	// leadership flips.
	onChange []func(leader bool)
}

// New creates an Arbitrator for one (account, instance) pair. Heartbeats live
// under dir/<accountID>/. Non-positive interval/timeout fall back to the
// package defaults.
func New(dir, accountID, instanceID string, clk quartz.Clock, interval, timeout time.Duration) *Arbitrator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Arbitrator{
		dir:        dir,
		accountID:  accountID,
		instanceID: instanceID,
		clock:      clk,
		interval:   interval,
		timeout:    timeout,
		token:      clk.Now().UnixNano(),
	}
}

// OnLeadershipChange registers an observer for leadership transitions.
func (a *Arbitrator) OnLeadershipChange(fn func(leader bool)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onChange = append(a.onChange, fn)
}

// InstanceID returns this instance's identifier.
func (a *Arbitrator) InstanceID() string { return a.instanceID }

// IsLeader reports whether this instance won the most recent election round.
// Callers must tolerate a sub-heartbeat window of staleness.
func (a *Arbitrator) IsLeader() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.leader
}

// Bump raises this instance's priority token to now. Called when the
// instance's window gains focus: most-recent-focus wins the next election.
func (a *Arbitrator) Bump() {
	a.mu.Lock()
	a.token = a.clock.Now().UnixNano()
	a.mu.Unlock()
	if err := a.announce(); err != nil {
		slog.Warn("heartbeat announce failed", "error", err)
	}
	a.evaluate()
}

// Run announces heartbeats on the configured interval and re-evaluates the
// election after each announcement and whenever another instance's heartbeat
// file changes. It blocks until ctx is done, then withdraws this instance's
// heartbeat so a successor can take over within one interval.
func (a *Arbitrator) Run(ctx context.Context) error {
	if err := os.MkdirAll(a.accountDir(), 0o755); err != nil {
		return fmt.Errorf("create heartbeat dir: %w", err)
	}

	watcher, err := newDirWatcher(a.accountDir(), a.interval)
	if err != nil {
		return fmt.Errorf("watch heartbeat dir: %w", err)
	}
	defer watcher.Close()

	if err := a.announce(); err != nil {
		slog.Warn("heartbeat announce failed", "error", err)
	}
	a.evaluate()

	ticker := a.clock.NewTicker(a.interval, "arbiter", "heartbeat")
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.withdraw()
			return ctx.Err()
		case <-ticker.C:
			if err := a.announce(); err != nil {
				slog.Warn("heartbeat announce failed", "error", err)
			}
			a.evaluate()
		case <-watcher.Events():
			a.evaluate()
		}
	}
}

// accountDir returns the shared heartbeat directory for this account.
func (a *Arbitrator) accountDir() string {
	return filepath.Join(a.dir, a.accountID)
}

// heartbeatPath returns this instance's heartbeat file path.
func (a *Arbitrator) heartbeatPath() string {
	return filepath.Join(a.accountDir(), a.instanceID+HeartbeatExt)
}

// announce atomically writes this instance's heartbeat file.
func (a *Arbitrator) announce() error {
	a.mu.Lock()
	hb := Heartbeat{
		Version:         migrate.Heartbeat.CurrentVersion,
		InstanceID:      a.instanceID,
		AccountID:       a.accountID,
		PriorityToken:   a.token,
		WrittenAtUnixMs: a.clock.Now().UnixMilli(),
	}
	a.mu.Unlock()

	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	return atomicfile.Write(a.heartbeatPath(), data, 0o600)
}

// withdraw removes this instance's heartbeat file on shutdown. Best effort:
// a leftover file simply ages out within one timeout.
func (a *Arbitrator) withdraw() {
	if err := os.Remove(a.heartbeatPath()); err != nil && !os.IsNotExist(err) {
		slog.Debug("heartbeat withdraw failed", "error", err)
	}
	a.setLeader(false)
}

// evaluate runs one election round from the heartbeat files currently on
// disk. Every instance runs the identical computation, so they converge
// without coordination.
func (a *Arbitrator) evaluate() {
	live := a.liveHeartbeats()

	a.mu.Lock()
	self := Heartbeat{InstanceID: a.instanceID, PriorityToken: a.token}
	a.mu.Unlock()

	winner := self
	for _, hb := range live {
		if hb.InstanceID == a.instanceID {
			continue
		}
		if beats(hb, winner) {
			winner = hb
		}
	}
	a.setLeader(winner.InstanceID == a.instanceID)
}

// beats reports whether heartbeat x outranks y: higher priority token wins,
// ties broken deterministically by lowest instance id.
func beats(x, y Heartbeat) bool {
	if x.PriorityToken != y.PriorityToken {
		return x.PriorityToken > y.PriorityToken
	}
	return x.InstanceID < y.InstanceID
}

// liveHeartbeats reads every heartbeat file in the account directory,
// dropping unreadable files and announcements older than the timeout.
func (a *Arbitrator) liveHeartbeats() []Heartbeat {
	entries, err := os.ReadDir(a.accountDir())
	if err != nil {
		return nil
	}
	cutoff := a.clock.Now().Add(-a.timeout).UnixMilli()

	var live []Heartbeat
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), HeartbeatExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(a.accountDir(), e.Name()))
		if err != nil {
			continue
		}
		var hb Heartbeat
		if err := json.Unmarshal(data, &hb); err != nil {
			slog.Debug("skipping unreadable heartbeat", "file", e.Name(), "error", err)
			continue
		}
		if hb.WrittenAtUnixMs < cutoff {
			continue
		}
		live = append(live, hb)
	}
	return live
}

// setLeader records the election result and notifies observers on a flip.
func (a *Arbitrator) setLeader(leader bool) {
	a.mu.Lock()
	changed := a.leader != leader
	a.leader = leader
	observers := a.onChange
	a.mu.Unlock()

	if !changed {
		return
	}
	slog.Info("leadership changed", "account", a.accountID, "instance", a.instanceID, "leader", leader)
	for _, fn := range observers {
		fn(leader)
	}
}
