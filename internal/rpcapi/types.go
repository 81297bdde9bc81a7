// Package rpcapi defines the message types and wire transport for the
// host-control-plane and host-agent RPC surfaces (spec §6, §4.8-4.9).
//
// The spec calls for "protocol buffers over HTTP/2"; protoc is not
// available in this environment (see DESIGN.md), so the messages below are
// hand-rolled Go structs with JSON struct tags, framed as newline-delimited
// JSON values and carried over golang.org/x/net/http2's h2c (HTTP/2 without
// TLS) transport — the same request/streamed-response shape a generated
// grpc/ttrpc client would present, grounded on the teacher's golang.org/x/net
// dependency and on kata-containers' grpc-over-HTTP/2 agent-channel pattern.
package rpcapi

// Language enumerates the supported workload languages (spec §6).
type Language int32

const (
	LanguageRust Language = iota
	LanguagePython
	LanguageNode
)

func (l Language) String() string {
	switch l {
	case LanguageRust:
		return "rust"
	case LanguagePython:
		return "python"
	case LanguageNode:
		return "node"
	default:
		return "unknown"
	}
}

// LogLevel mirrors the guest/host structured-logging verbosity knob.
type LogLevel int32

const (
	LogLevelInfo LogLevel = iota
	LogLevelDebug
	LogLevelWarn
	LogLevelError
)

// Stage enumerates ExecuteResponse's lifecycle stage (spec §6).
type Stage int32

const (
	StagePending Stage = iota
	StageBuilding
	StageRunning
	StageDone
	StageFailed
	StageDebug
)

func (s Stage) String() string {
	switch s {
	case StagePending:
		return "pending"
	case StageBuilding:
		return "building"
	case StageRunning:
		return "running"
	case StageDone:
		return "done"
	case StageFailed:
		return "failed"
	case StageDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// Action enumerates ExecuteRequest's requested action (spec §4.9).
type Action int32

const (
	ActionPrepare Action = iota
	ActionRun
	ActionPrepareAndRun
)

// RunVmmRequest is VmmService.Run's request (spec §6).
type RunVmmRequest struct {
	WorkloadName string   `json:"workload_name"`
	Language     Language `json:"language"`
	Code         string   `json:"code"`
	LogLevel     LogLevel `json:"log_level"`
}

// ExecuteResponse is streamed by both VmmService.Run and WorkloadRunner.Execute
// (spec §6); stdout/stderr/exit_code are optional per stage.
type ExecuteResponse struct {
	Stage    Stage   `json:"stage"`
	Stdout   *string `json:"stdout,omitempty"`
	Stderr   *string `json:"stderr,omitempty"`
	ExitCode *int32  `json:"exit_code,omitempty"`
}

// ShutdownVmRequest is VmmService.Shutdown's request.
type ShutdownVmRequest struct {
	WorkloadName string `json:"workload_name"`
}

// ShutdownVmResponse is VmmService.Shutdown's response.
type ShutdownVmResponse struct {
	Success bool `json:"success"`
}

// ExecuteRequest is WorkloadRunner.Execute's request (spec §4.9).
type ExecuteRequest struct {
	WorkloadName string `json:"workload_name"`
	Language     string `json:"language"`
	Action       Action `json:"action"`
	Code         string `json:"code"`
	ConfigStr    string `json:"config_str"`
}

// SignalRequest is WorkloadRunner.Signal's request.
type SignalRequest struct{}
