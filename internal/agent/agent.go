// Package agent implements the in-guest Guest Agent (spec §4.9): the
// WorkloadRunner RPC service that prepares and runs a workload by shelling
// out to a per-language toolchain strategy, streaming build/run events back
// to the caller and tracking every spawned child PID so Signal can
// terminate them all.
//
// Grounded on original_source's src/agent/src/agents/{mod,rust,debug}.rs for
// the prepare/run/prepare-and-run strategy split (no teacher equivalent —
// the teacher has no language-toolchain-driving agent at all), and on the
// teacher's internal/oci/client.go for the log/slog + fmt.Errorf("%w", ...)
// ambient style.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/tinyrange/cloudlet/internal/rpcapi"
)

// Strategy is the per-language capability set (spec §4.9).
type Strategy interface {
	// Prepare materializes sources, builds an executable artifact, and
	// streams building events to emit. It returns the artifact path on
	// success.
	Prepare(ctx context.Context, workloadDir, code, configStr string, emit func(rpcapi.ExecuteResponse)) (artifact string, err error)
	// Run spawns the artifact, streaming stdout as running events to emit.
	Run(ctx context.Context, artifact string, tracker *PIDSet, emit func(rpcapi.ExecuteResponse)) error
}

// PIDSet is the shared set of spawned child PIDs (spec §4.9's invariant:
// "each spawned child's PID is inserted into a shared set on spawn and
// removed on reap").
type PIDSet struct {
	mu   sync.Mutex
	pids map[int]*os.Process
}

// NewPIDSet creates an empty PID set.
func NewPIDSet() *PIDSet {
	return &PIDSet{pids: make(map[int]*os.Process)}
}

// Add records a spawned process.
func (s *PIDSet) Add(p *os.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pids[p.Pid] = p
}

// Remove drops a reaped process.
func (s *PIDSet) Remove(p *os.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pids, p.Pid)
}

// SignalAll sends sig to every tracked process (spec §4.9's Signal
// contract: "terminate all tracked child processes... no graceful drain").
func (s *PIDSet) SignalAll(sig os.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pids {
		p.Signal(sig)
	}
}

// Agent implements rpcapi.WorkloadRunner.
type Agent struct {
	log        *slog.Logger
	scratchDir string
	pids       *PIDSet

	mu         sync.Mutex
	strategies map[string]Strategy

	buildOnce sync.Map // workload name -> *buildBroadcast
}

// buildBroadcast is the one-shot broadcast spec §4.9's prepare step
// publishes to and run waits on.
type buildBroadcast struct {
	done     chan struct{}
	artifact string
	ok       bool
}

// New creates an Agent rooted at scratchDir with the given per-language
// strategies keyed by spec §6's language string ("rust", "python", "node").
func New(scratchDir string, strategies map[string]Strategy) *Agent {
	return &Agent{
		log:        slog.Default().With("component", "agent"),
		scratchDir: scratchDir,
		pids:       NewPIDSet(),
		strategies: strategies,
	}
}

// Execute implements rpcapi.WorkloadRunner.Execute.
func (a *Agent) Execute(ctx context.Context, req rpcapi.ExecuteRequest, out chan<- rpcapi.ExecuteResponse) error {
	strategy, ok := a.strategies[req.Language]
	if !ok {
		return fmt.Errorf("agent: unsupported language %q", req.Language)
	}

	emit := func(r rpcapi.ExecuteResponse) { out <- r }
	workloadDir := a.scratchDir + "/" + req.WorkloadName

	switch req.Action {
	case rpcapi.ActionPrepare:
		_, err := a.prepare(ctx, strategy, workloadDir, req, emit)
		return err
	case rpcapi.ActionRun:
		return a.run(ctx, strategy, req, emit)
	case rpcapi.ActionPrepareAndRun:
		// spec §4.9: "merge the two streams into one output stream that
		// surfaces prepare events first and then run events."
		if _, err := a.prepare(ctx, strategy, workloadDir, req, emit); err != nil {
			return err
		}
		return a.run(ctx, strategy, req, emit)
	default:
		return fmt.Errorf("agent: unknown action %d", req.Action)
	}
}

func (a *Agent) prepare(ctx context.Context, strategy Strategy, workloadDir string, req rpcapi.ExecuteRequest, emit func(rpcapi.ExecuteResponse)) (string, error) {
	b := &buildBroadcast{done: make(chan struct{})}
	actual, loaded := a.buildOnce.LoadOrStore(req.WorkloadName, b)
	bc := actual.(*buildBroadcast)
	if loaded {
		<-bc.done
		return bc.artifact, nil
	}
	defer close(b.done)

	if err := os.MkdirAll(workloadDir, 0o755); err != nil {
		return "", fmt.Errorf("agent: create workload dir: %w", err)
	}

	artifact, err := strategy.Prepare(ctx, workloadDir, req.Code, req.ConfigStr, emit)
	if err != nil {
		emit(rpcapi.ExecuteResponse{Stage: rpcapi.StageFailed, ExitCode: int32Ptr(1)})
		return "", err
	}
	b.artifact = artifact
	b.ok = true
	emit(rpcapi.ExecuteResponse{Stage: rpcapi.StageDone})
	return artifact, nil
}

func (a *Agent) run(ctx context.Context, strategy Strategy, req rpcapi.ExecuteRequest, emit func(rpcapi.ExecuteResponse)) error {
	actual, ok := a.buildOnce.Load(req.WorkloadName)
	if !ok {
		return fmt.Errorf("agent: run requested before prepare for %q", req.WorkloadName)
	}
	bc := actual.(*buildBroadcast)
	<-bc.done
	if !bc.ok {
		emit(rpcapi.ExecuteResponse{Stage: rpcapi.StageFailed})
		return nil
	}
	return strategy.Run(ctx, bc.artifact, a.pids, emit)
}

// Signal implements rpcapi.WorkloadRunner.Signal.
func (a *Agent) Signal(ctx context.Context, req rpcapi.SignalRequest) error {
	a.pids.SignalAll(os.Kill)
	return nil
}

func int32Ptr(v int32) *int32 { return &v }
