//go:build linux

// Package orchestrator implements the Run Orchestrator (spec §4.10) and the
// host-side RPC Façade (spec §4.8): it owns the VMM process's vCPU threads,
// event manager and I/O demultiplexer, and exposes rpcapi.VmmService by
// driving one guest per workload through boot, RPC handoff to the in-guest
// agent, and response relay.
//
// Grounded on the teacher's cmd/cc bring-up sequence (VM construction,
// goroutine-per-vCPU execution, raw-mode stdin handling) generalized from a
// single interactive session into the spec's ensure-kernel/ensure-agent/
// ensure-initramfs/boot/connect-to-agent pipeline.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tinyrange/cloudlet/internal/bootx64"
	"github.com/tinyrange/cloudlet/internal/imageref"
	"github.com/tinyrange/cloudlet/internal/irqalloc"
	"github.com/tinyrange/cloudlet/internal/mmioalloc"
	"github.com/tinyrange/cloudlet/internal/oci"
	"github.com/tinyrange/cloudlet/internal/rootfs"
	"github.com/tinyrange/cloudlet/internal/rpcapi"
)

// Config is the Runner's fixed setup: paths to the guest material and the
// host/guest addressing scheme every booted VM shares (spec §4.8 step 4).
type Config struct {
	KernelPath      string
	AgentBinaryPath string
	InitSource      string
	InitramfsDir    string

	// BaseImages maps a language string (spec §6's "rust"/"python"/"node")
	// to the base OCI image reference its initramfs is built from (spec
	// §4.1/§4.2's "Rootfs Builder if image missing → Image Loader" path).
	BaseImages map[string]string
	// LayerCacheDir is where downloaded layers are extracted, keyed by
	// digest (spec §4.1's output_dir).
	LayerCacheDir string
	Architecture  string

	VCPUCount int
	MemoryMB  uint64

	HostIP     net.IP
	GuestIP    net.IP
	Netmask    net.IPMask
	BridgeName string
	AgentPort  int

	// AgentDialTimeout bounds a single dial attempt; AgentDialBackoff is the
	// fixed interval between retries (spec §4.8 step 6's "retrying with a
	// fixed backoff until reachable").
	AgentDialTimeout  time.Duration
	AgentDialBackoff  time.Duration
	AgentDialAttempts int
}

func (c Config) withDefaults() Config {
	if c.AgentPort == 0 {
		c.AgentPort = 50051
	}
	if c.AgentDialTimeout == 0 {
		c.AgentDialTimeout = 500 * time.Millisecond
	}
	if c.AgentDialBackoff == 0 {
		c.AgentDialBackoff = 250 * time.Millisecond
	}
	if c.AgentDialAttempts == 0 {
		c.AgentDialAttempts = 40
	}
	if c.VCPUCount == 0 {
		c.VCPUCount = 1
	}
	if c.MemoryMB == 0 {
		c.MemoryMB = 256
	}
	if c.Architecture == "" {
		c.Architecture = "amd64"
	}
	return c
}

// Runner implements rpcapi.VmmService, each Run call booting and tearing
// down a dedicated guest for the requested workload.
type Runner struct {
	cfg    Config
	log    *slog.Logger
	images *oci.Client

	mu  sync.Mutex
	vms map[string]*guestVM
}

// NewRunner creates a Runner with the given fixed configuration.
func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:    cfg.withDefaults(),
		log:    slog.Default().With("component", "orchestrator"),
		images: oci.NewClient(),
		vms:    make(map[string]*guestVM),
	}
}

// Run implements spec §4.8's Run contract end to end: ensure the kernel,
// agent binary and initramfs exist, boot a guest, connect to its in-guest
// agent, forward a prepare-and-run request, and relay every streamed
// response back to out in production order.
func (r *Runner) Run(ctx context.Context, req rpcapi.RunVmmRequest, out chan<- rpcapi.ExecuteResponse) error {
	if err := r.ensureKernel(); err != nil {
		return fmt.Errorf("orchestrator: ensure kernel: %w", err)
	}
	if err := r.ensureAgentBinary(); err != nil {
		return fmt.Errorf("orchestrator: ensure agent binary: %w", err)
	}
	initramfsPath, err := r.ensureInitramfs(ctx, req.Language)
	if err != nil {
		return fmt.Errorf("orchestrator: ensure initramfs: %w", err)
	}

	vm, err := bootGuest(r.cfg, r.log, initramfsPath)
	if err != nil {
		return fmt.Errorf("orchestrator: boot guest: %w", err)
	}
	defer vm.shutdown()

	r.mu.Lock()
	r.vms[req.WorkloadName] = vm
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.vms, req.WorkloadName)
		r.mu.Unlock()
	}()

	client, err := r.dialAgent(ctx, vm)
	if err != nil {
		return fmt.Errorf("orchestrator: dial agent: %w", err)
	}

	execReq := rpcapi.ExecuteRequest{
		WorkloadName: req.WorkloadName,
		Language:     req.Language.String(),
		Action:       rpcapi.ActionPrepareAndRun,
		Code:         req.Code,
	}

	return client.Execute(ctx, execReq, func(r rpcapi.ExecuteResponse) error {
		out <- r
		return nil
	})
}

// Shutdown implements spec §4.8's Shutdown contract: open the agent channel
// for the named workload's guest and send a signal RPC, treating a
// broken-pipe transport error as the expected successful termination.
func (r *Runner) Shutdown(ctx context.Context, req rpcapi.ShutdownVmRequest) (rpcapi.ShutdownVmResponse, error) {
	r.mu.Lock()
	vm, ok := r.vms[req.WorkloadName]
	r.mu.Unlock()
	if !ok {
		return rpcapi.ShutdownVmResponse{Success: false}, fmt.Errorf("orchestrator: no running guest for workload %q", req.WorkloadName)
	}

	client := rpcapi.NewWorkloadRunnerClient(vm.agentBaseURL())
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := client.Signal(shutdownCtx)
	if err == nil {
		return rpcapi.ShutdownVmResponse{Success: true}, nil
	}
	if isTransportBrokenPipe(err) {
		return rpcapi.ShutdownVmResponse{Success: true}, nil
	}
	return rpcapi.ShutdownVmResponse{Success: false}, err
}

func (r *Runner) ensureKernel() error {
	if _, err := os.Stat(r.cfg.KernelPath); err != nil {
		return fmt.Errorf("kernel image %s not found (build step must run out of band): %w", r.cfg.KernelPath, err)
	}
	return nil
}

func (r *Runner) ensureAgentBinary() error {
	if _, err := os.Stat(r.cfg.AgentBinaryPath); err != nil {
		return fmt.Errorf("agent binary %s not found (build step must run out of band): %w", r.cfg.AgentBinaryPath, err)
	}
	return nil
}

// ensureInitramfs implements spec §4.8 step 3: build the initramfs for the
// requested language if it is not already cached on disk, invoking the
// Rootfs Builder (§4.2) which in turn invokes the Image Loader (§4.1) to
// resolve and download the language's base image when its layers are not
// already present in the layer cache (spec §2's "Rootfs Builder if image
// missing → Image Loader" control flow).
func (r *Runner) ensureInitramfs(ctx context.Context, lang rpcapi.Language) (string, error) {
	path := fmt.Sprintf("%s/initramfs-%s.img", r.cfg.InitramfsDir, lang.String())
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(r.cfg.InitramfsDir, 0o755); err != nil {
		return "", err
	}

	layerPaths, err := r.ensureLayers(ctx, lang)
	if err != nil {
		return "", fmt.Errorf("ensure layers: %w", err)
	}

	if err := rootfs.BuildInitramfs(layerPaths, r.cfg.InitSource, r.cfg.AgentBinaryPath, path); err != nil {
		return "", err
	}
	return path, nil
}

// ensureLayers resolves the language's configured base image, downloading
// its layers into the shared layer cache if they are not already present.
func (r *Runner) ensureLayers(ctx context.Context, lang rpcapi.Language) ([]string, error) {
	imageRefStr, ok := r.cfg.BaseImages[lang.String()]
	if !ok {
		return nil, fmt.Errorf("no base image configured for language %q", lang.String())
	}
	ref, err := imageref.Parse(imageRefStr)
	if err != nil {
		return nil, fmt.Errorf("parse base image %q: %w", imageRefStr, err)
	}

	outputDir := fmt.Sprintf("%s/%s", r.cfg.LayerCacheDir, lang.String())
	return r.images.ResolveAndDownload(ctx, ref, r.cfg.Architecture, outputDir)
}

// dialAgent opens an RPC channel to the in-guest agent, retrying with a
// fixed backoff until the guest's network stack and agent process are up
// (spec §4.8 step 6).
func (r *Runner) dialAgent(ctx context.Context, vm *guestVM) (*rpcapi.WorkloadRunnerClient, error) {
	addr := vm.agentBaseURL()
	client := rpcapi.NewWorkloadRunnerClient(addr)

	var lastErr error
	for attempt := 0; attempt < r.cfg.AgentDialAttempts; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, r.cfg.AgentDialTimeout)
		conn, err := net.Dialer{}.DialContext(dialCtx, "tcp", fmt.Sprintf("%s:%d", vm.guestIP, r.cfg.AgentPort))
		cancel()
		if err == nil {
			conn.Close()
			return client, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.cfg.AgentDialBackoff):
		}
	}
	return nil, fmt.Errorf("agent unreachable at %s after %d attempts: %w", addr, r.cfg.AgentDialAttempts, lastErr)
}

// irqAllocatorFor and mmioAllocatorFor centralize the allocation windows
// every booted guest's device set draws from.
func irqAllocatorFor() *irqalloc.Allocator {
	return irqalloc.NewDefault()
}

func mmioAllocatorFor(memBase uint64) *mmioalloc.Allocator {
	const mmioWindowSize = 0x10000000
	return mmioalloc.New(memBase+bootx64.HimemStart+0x10000000, mmioWindowSize)
}

// isTransportBrokenPipe mirrors rpcapi's broken-pipe heuristic (spec
// §4.8's "stream closed because of a broken pipe" success indicator) for
// errors surfaced directly by net.Dialer/http.Client rather than through
// rpcapi's own client wrapper.
func isTransportBrokenPipe(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "broken pipe") || strings.Contains(s, "connection reset")
}
