package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/cloudlet/internal/rpcapi"
)

func TestDebugStrategyPrepareAndRun(t *testing.T) {
	dir := t.TempDir()
	workloadDir := filepath.Join(dir, "w1")

	var s DebugStrategy
	var responses []rpcapi.ExecuteResponse
	emit := func(r rpcapi.ExecuteResponse) { responses = append(responses, r) }

	artifact, err := s.Prepare(context.Background(), workloadDir, "", "", emit)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := os.Stat(artifact); err != nil {
		t.Fatalf("expected marker file: %v", err)
	}

	responses = nil
	if err := s.Run(context.Background(), artifact, NewPIDSet(), emit); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(responses) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(responses))
	}
	if responses[0].Stage != rpcapi.StageRunning {
		t.Fatalf("expected running stage, got %v", responses[0].Stage)
	}
	if responses[1].Stage != rpcapi.StageDone {
		t.Fatalf("expected done stage, got %v", responses[1].Stage)
	}
}

func TestRunArtifactTracksPID(t *testing.T) {
	tracker := NewPIDSet()
	var responses []rpcapi.ExecuteResponse
	emit := func(r rpcapi.ExecuteResponse) { responses = append(responses, r) }

	err := runArtifact(context.Background(), "true", nil, tracker, emit)
	if err != nil {
		t.Fatalf("runArtifact: %v", err)
	}

	tracker.mu.Lock()
	n := len(tracker.pids)
	tracker.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected tracker emptied after reap, got %d entries", n)
	}

	if len(responses) != 1 {
		t.Fatalf("expected 1 response, got %d", len(responses))
	}
	if responses[0].Stage != rpcapi.StageDone {
		t.Fatalf("expected done stage, got %v", responses[0].Stage)
	}
}

func TestRunArtifactNonZeroExit(t *testing.T) {
	tracker := NewPIDSet()
	var responses []rpcapi.ExecuteResponse
	emit := func(r rpcapi.ExecuteResponse) { responses = append(responses, r) }

	if err := runArtifact(context.Background(), "false", nil, tracker, emit); err != nil {
		t.Fatalf("runArtifact: %v", err)
	}
	if len(responses) != 1 || responses[0].Stage != rpcapi.StageFailed {
		t.Fatalf("expected failed stage, got %+v", responses)
	}
	if responses[0].ExitCode == nil || *responses[0].ExitCode == 0 {
		t.Fatalf("expected nonzero exit code, got %+v", responses[0].ExitCode)
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")
	if err := os.WriteFile(src, []byte("payload"), 0o755); err != nil {
		t.Fatalf("write src: %v", err)
	}
	if err := copyFile(src, dst); err != nil {
		t.Fatalf("copyFile: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read dst: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("dst content = %q", got)
	}
}
