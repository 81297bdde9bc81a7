package agent

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tinyrange/cloudlet/internal/rpcapi"
)

// strPtr and the emit helpers below let a Strategy surface stdout/stderr
// lines as they are produced rather than buffering a whole build or run to
// completion before the caller sees anything.
func strPtr(s string) *string { return &s }

func emitStage(emit func(rpcapi.ExecuteResponse), stage rpcapi.Stage) {
	emit(rpcapi.ExecuteResponse{Stage: stage})
}

func emitLine(emit func(rpcapi.ExecuteResponse), stage rpcapi.Stage, stdout, stderr string) {
	r := rpcapi.ExecuteResponse{Stage: stage}
	if stdout != "" {
		r.Stdout = strPtr(stdout)
	}
	if stderr != "" {
		r.Stderr = strPtr(stderr)
	}
	emit(r)
}

// pumpLines streams r's lines to fn as they arrive; used to turn a
// toolchain's stderr or a running process's stdout into a sequence of
// building/running events instead of one giant blob at the end.
func pumpLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		fn(scanner.Text())
	}
}

// RustStrategy builds with cargo, grounded on original_source's
// agents/rust.rs: write the workload's code as src/main.rs under a fresh
// Cargo project, run cargo build (release unless the workload config says
// otherwise), and copy the resulting binary out to a stable artifact path.
type RustStrategy struct {
	// Release selects cargo build --release when the workload's config_str
	// doesn't specify its own [build] table.
	Release bool
}

type rustConfig struct {
	Build struct {
		Release bool `toml:"release"`
	} `toml:"build"`
}

func (s RustStrategy) Prepare(ctx context.Context, workloadDir, code, configStr string, emit func(rpcapi.ExecuteResponse)) (string, error) {
	cfg := rustConfig{}
	cfg.Build.Release = s.Release
	if configStr != "" {
		if _, err := toml.Decode(configStr, &cfg); err != nil {
			return "", fmt.Errorf("rust strategy: parse config: %w", err)
		}
	}

	srcDir := filepath.Join(workloadDir, "src")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		return "", fmt.Errorf("rust strategy: create src dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "main.rs"), []byte(code), 0o644); err != nil {
		return "", fmt.Errorf("rust strategy: write main.rs: %w", err)
	}

	cargoToml := fmt.Sprintf("[package]\nname = %q\nversion = \"0.1.0\"\nedition = \"2018\"\n", filepath.Base(workloadDir))
	if err := os.WriteFile(filepath.Join(workloadDir, "Cargo.toml"), []byte(cargoToml), 0o644); err != nil {
		return "", fmt.Errorf("rust strategy: write Cargo.toml: %w", err)
	}

	args := []string{"build"}
	profile := "debug"
	if cfg.Build.Release {
		args = append(args, "--release")
		profile = "release"
	}

	cmd := exec.CommandContext(ctx, "cargo", args...)
	cmd.Dir = workloadDir
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("rust strategy: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("rust strategy: start cargo: %w", err)
	}
	pumpLines(stderr, func(line string) { emitLine(emit, rpcapi.StageBuilding, "", line) })
	if err := cmd.Wait(); err != nil {
		return "", fmt.Errorf("cargo build failed: %w", err)
	}

	builtPath := filepath.Join(workloadDir, "target", profile, filepath.Base(workloadDir))
	artifact := filepath.Join(workloadDir, "..", filepath.Base(workloadDir)+".bin")
	if err := copyFile(builtPath, artifact); err != nil {
		return "", fmt.Errorf("rust strategy: copy binary: %w", err)
	}
	return artifact, nil
}

func (s RustStrategy) Run(ctx context.Context, artifact string, tracker *PIDSet, emit func(rpcapi.ExecuteResponse)) error {
	return runArtifact(ctx, artifact, nil, tracker, emit)
}

// PythonStrategy byte-compiles the workload with py_compile (surfacing
// syntax errors as a build failure) and runs it with python3.
type PythonStrategy struct{}

func (PythonStrategy) Prepare(ctx context.Context, workloadDir, code, configStr string, emit func(rpcapi.ExecuteResponse)) (string, error) {
	if err := os.MkdirAll(workloadDir, 0o755); err != nil {
		return "", fmt.Errorf("python strategy: create workload dir: %w", err)
	}
	artifact := filepath.Join(workloadDir, "main.py")
	if err := os.WriteFile(artifact, []byte(code), 0o644); err != nil {
		return "", fmt.Errorf("python strategy: write main.py: %w", err)
	}

	cmd := exec.CommandContext(ctx, "python3", "-m", "py_compile", artifact)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		emitLine(emit, rpcapi.StageBuilding, "", stderr.String())
		return "", fmt.Errorf("python strategy: py_compile failed: %w", err)
	}
	return artifact, nil
}

func (PythonStrategy) Run(ctx context.Context, artifact string, tracker *PIDSet, emit func(rpcapi.ExecuteResponse)) error {
	return runArtifact(ctx, "python3", []string{artifact}, tracker, emit)
}

// NodeStrategy syntax-checks the workload with node --check and runs it
// with node.
type NodeStrategy struct{}

func (NodeStrategy) Prepare(ctx context.Context, workloadDir, code, configStr string, emit func(rpcapi.ExecuteResponse)) (string, error) {
	if err := os.MkdirAll(workloadDir, 0o755); err != nil {
		return "", fmt.Errorf("node strategy: create workload dir: %w", err)
	}
	artifact := filepath.Join(workloadDir, "main.js")
	if err := os.WriteFile(artifact, []byte(code), 0o644); err != nil {
		return "", fmt.Errorf("node strategy: write main.js: %w", err)
	}

	cmd := exec.CommandContext(ctx, "node", "--check", artifact)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		emitLine(emit, rpcapi.StageBuilding, "", stderr.String())
		return "", fmt.Errorf("node strategy: syntax check failed: %w", err)
	}
	return artifact, nil
}

func (NodeStrategy) Run(ctx context.Context, artifact string, tracker *PIDSet, emit func(rpcapi.ExecuteResponse)) error {
	return runArtifact(ctx, "node", []string{artifact}, tracker, emit)
}

// DebugStrategy is grounded on original_source's agents/debug.rs: it does no
// real toolchain work, just writes a marker file in prepare and reads it
// back in run, useful for exercising the agent's RPC plumbing without a
// language toolchain present in the guest image.
type DebugStrategy struct{}

func (DebugStrategy) Prepare(ctx context.Context, workloadDir, code, configStr string, emit func(rpcapi.ExecuteResponse)) (string, error) {
	if err := os.MkdirAll(workloadDir, 0o755); err != nil {
		return "", fmt.Errorf("debug strategy: create workload dir: %w", err)
	}
	marker := filepath.Join(workloadDir, "debug.txt")
	content := fmt.Sprintf("debug agent for %s - written at %s", filepath.Base(workloadDir), time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(marker, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("debug strategy: write marker: %w", err)
	}
	emitLine(emit, rpcapi.StageBuilding, "build successful", "")
	return marker, nil
}

func (DebugStrategy) Run(ctx context.Context, artifact string, tracker *PIDSet, emit func(rpcapi.ExecuteResponse)) error {
	content, err := os.ReadFile(artifact)
	if err != nil {
		return fmt.Errorf("debug strategy: read marker: %w", err)
	}
	emitLine(emit, rpcapi.StageRunning, string(content), "")
	emitStage(emit, rpcapi.StageDone)
	return nil
}

// runArtifact spawns name with args, tracking its PID in tracker for the
// duration of the run (spec §4.9: "each spawned child's PID is inserted
// into a shared set on spawn and removed on reap") and streaming stdout as
// running events.
func runArtifact(ctx context.Context, name string, args []string, tracker *PIDSet, emit func(rpcapi.ExecuteResponse)) error {
	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("agent: stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("agent: start artifact: %w", err)
	}
	tracker.Add(cmd.Process)
	defer tracker.Remove(cmd.Process)

	pumpLines(stdout, func(line string) { emitLine(emit, rpcapi.StageRunning, line, "") })

	runErr := cmd.Wait()
	exitCode := int32(0)
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = int32(exitErr.ExitCode())
		} else {
			return fmt.Errorf("agent: run artifact: %w", runErr)
		}
	}

	stage := rpcapi.StageDone
	if exitCode != 0 {
		stage = rpcapi.StageFailed
	}
	r := rpcapi.ExecuteResponse{Stage: stage, ExitCode: &exitCode}
	if s := stderr.String(); s != "" {
		r.Stderr = strPtr(s)
	}
	emit(r)
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
