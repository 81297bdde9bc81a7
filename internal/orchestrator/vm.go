//go:build linux

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/cloudlet/internal/bootx64"
	"github.com/tinyrange/cloudlet/internal/console"
	"github.com/tinyrange/cloudlet/internal/kvmx86"
	"github.com/tinyrange/cloudlet/internal/virtionet"
)

const (
	// Fixed boot-time layout in low memory: the zero page at ZeroPgStart
	// (0x7000-0x8000), the three page-table pages kvmx86.VCPU.ConfigureBoot
	// builds at pagingBase (0x9000-0xc000), and a boot stack growing down
	// from 0x90000, just below bootx64.EBDAStart.
	pagingBase = 0x9000
	bootStack  = 0x90000

	netMMIOSize = 0x1000
)

// guestVM is one booted guest: its vCPU threads, the event manager driving
// virtio queue notifications, and the main thread's stdin/console pump
// (spec §4.10's three concurrent activities).
type guestVM struct {
	cfg Config
	log *slog.Logger

	vm    *kvmx86.VM
	vcpus []*kvmx86.VCPU
	uart  *console.UART
	net   *virtionet.Device

	guestIP net.IP

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

func (vm *guestVM) agentBaseURL() string {
	return fmt.Sprintf("http://%s:%d", vm.guestIP, vm.cfg.AgentPort)
}

// bootGuest implements spec §4.3's loader sequence plus §4.7's device
// registration and §4.4's vCPU bring-up, then spawns the vCPU threads, the
// virtio event manager, and the stdin pump described in spec §4.10.
func bootGuest(cfg Config, log *slog.Logger, initramfsPath string) (*guestVM, error) {
	vm, err := kvmx86.Open(cfg.MemoryMB * 1024 * 1024)
	if err != nil {
		return nil, fmt.Errorf("open kvm vm: %w", err)
	}

	kernelFile, err := os.Open(cfg.KernelPath)
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("open kernel: %w", err)
	}
	defer kernelFile.Close()

	loaded, err := bootx64.LoadELFKernel(vm, kernelFile)
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("load kernel: %w", err)
	}

	initrdData, err := os.ReadFile(initramfsPath)
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("read initramfs: %w", err)
	}
	initrdAddr, err := bootx64.LoadInitramfs(vm, loaded.End, initrdData)
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("load initramfs: %w", err)
	}

	uart := console.New(os.Stdout)
	if err := uart.Init(vm); err != nil {
		vm.Close()
		return nil, fmt.Errorf("init console: %w", err)
	}

	irqAlloc := irqAllocatorFor()
	mmioAlloc := mmioAllocatorFor(vm.MemoryBase())

	netGSI, err := irqAlloc.NextIRQ()
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("allocate net irq: %w", err)
	}
	netRange, err := mmioAlloc.Allocate(netMMIOSize)
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("allocate net mmio: %w", err)
	}

	netDev, err := virtionet.New(vm, vm, virtionet.Config{
		Base:       netRange.Start,
		Size:       netRange.Len,
		GSI:        netGSI,
		MAC:        guestMAC(),
		TapName:    tapNameFor(cfg),
		HostIP:     cfg.HostIP,
		Netmask:    cfg.Netmask,
		BridgeName: cfg.BridgeName,
	})
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("create net device: %w", err)
	}

	cmdline := bootx64.BuildCmdline([]string{netDev.CmdlineFragment()})
	e820, err := bootx64.DefaultE820Map(vm.MemorySize())
	if err != nil {
		netDev.Close()
		vm.Close()
		return nil, fmt.Errorf("build e820 map: %w", err)
	}
	if err := bootx64.BuildZeroPage(vm, loaded.EntryPoint, cmdline, initrdAddr, uint32(len(initrdData)), e820); err != nil {
		netDev.Close()
		vm.Close()
		return nil, fmt.Errorf("build zero page: %w", err)
	}

	vcpus := make([]*kvmx86.VCPU, 0, cfg.VCPUCount)
	for id := 0; id < cfg.VCPUCount; id++ {
		cpu, err := vm.CreateVCPU(id)
		if err != nil {
			netDev.Close()
			vm.Close()
			return nil, fmt.Errorf("create vcpu %d: %w", id, err)
		}
		if err := cpu.ConfigureBoot(vm.KVMFd(), loaded.EntryPoint, bootx64.ZeroPgStart, bootStack, pagingBase, vm.MemoryBase(), vm.RawMemory()); err != nil {
			netDev.Close()
			vm.Close()
			return nil, fmt.Errorf("configure vcpu %d boot: %w", id, err)
		}
		vcpus = append(vcpus, cpu)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &guestVM{
		cfg:     cfg,
		log:     log,
		vm:      vm,
		vcpus:   vcpus,
		uart:    uart,
		net:     netDev,
		guestIP: cfg.GuestIP,
		cancel:  cancel,
	}

	g.runVCPUs(ctx)
	g.runEventManager(ctx)
	g.runStdinPump(ctx)

	return g, nil
}

// runVCPUs spawns one goroutine per vCPU (spec §4.10 activity 1), each
// dispatching MMIO/PIO exits to the console and net devices.
func (g *guestVM) runVCPUs(ctx context.Context) {
	handler := dispatcher{uart: g.uart, net: g.net}
	for _, cpu := range g.vcpus {
		cpu := cpu
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			if err := cpu.Run(ctx, handler); err != nil {
				g.log.Debug("vcpu exited", "id", cpu.ID(), "error", err)
			}
			g.cancel()
		}()
	}
}

// runEventManager drives registered virtio queue-notify eventfds on its
// own thread (spec §4.10 activity 2), single-threaded per spec §5.
func (g *guestVM) runEventManager(ctx context.Context) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		g.log.Error("event manager: epoll_create1", "error", err)
		return
	}

	type subscriber struct {
		fd    int
		queue int
	}
	// The device's queue-notify eventfds do not exist until the guest
	// driver's first QUEUE_NOTIFY write activates it (virtionet's
	// activateLocked), which happens on a vCPU thread sometime after boot.
	// The event manager polls for that activation on its own 100ms cadence
	// rather than requiring the device to call back into it.
	subs := make(map[int]subscriber, 2)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer unix.Close(epfd)

		events := make([]unix.EpollEvent, 4)
		for {
			if ctx.Err() != nil {
				return
			}

			for q := 0; q < 2; q++ {
				if _, ok := subs[q]; ok {
					continue
				}
				fd := g.net.NotifyFd(q)
				if fd < 0 {
					continue
				}
				if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}); err != nil {
					g.log.Error("event manager: epoll_ctl", "fd", fd, "error", err)
					continue
				}
				subs[q] = subscriber{fd: fd, queue: q}
			}

			n, err := unix.EpollWait(epfd, events, 100)
			if err != nil {
				if err == unix.EINTR {
					continue
				}
				g.log.Error("event manager: epoll_wait", "error", err)
				return
			}
			for i := 0; i < n; i++ {
				fd := int(events[i].Fd)
				var buf [8]byte
				unix.Read(fd, buf[:])
				for _, s := range subs {
					if s.fd == fd {
						if err := g.net.HandleQueueNotify(s.queue); err != nil {
							g.log.Error("event manager: handle queue notify", "queue", s.queue, "error", err)
						}
					}
				}
			}
		}
	}()
}

// runStdinPump implements spec §4.10's main-thread I/O demultiplexer: raw
// stdin bytes are pushed into the console's in-buffer and flushed, and the
// in-buffer-empty eventfd triggers further flushes as the guest drains its
// receive FIFO.
//
// The stdin reader goroutine is deliberately not tracked by g.wg: a
// blocking os.Stdin.Read has no way to be woken by context cancellation
// short of closing the process-wide stdin descriptor, so shutdown leaves it
// to exit on the next stdin activity (or the process exit) rather than have
// Wait block on it. The empty-fd flush goroutine is tracked.
func (g *guestVM) runStdinPump(ctx context.Context) {
	go func() {
		buf := make([]byte, 4096)
		for {
			if ctx.Err() != nil {
				return
			}
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				g.uart.PushInput(buf[:n])
				if err := g.uart.Flush(); err != nil {
					g.log.Error("console flush", "error", err)
				}
			}
			if err != nil {
				return
			}
		}
	}()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		// Unlike the stdin reader above, this one polls with a timeout and
		// checks ctx on every wakeup, so it is safe for shutdown to wait on.
		emptyFd := g.uart.EmptyFd()
		if emptyFd < 0 {
			return
		}
		pollFds := []unix.PollFd{{Fd: int32(emptyFd), Events: unix.POLLIN}}
		for {
			if ctx.Err() != nil {
				return
			}
			n, err := unix.Poll(pollFds, 100)
			if err != nil {
				if err == unix.EINTR {
					continue
				}
				return
			}
			if n == 0 {
				continue
			}
			var buf [8]byte
			unix.Read(emptyFd, buf[:])
			if err := g.uart.Flush(); err != nil {
				g.log.Error("console flush", "error", err)
			}
		}
	}()
}

func (g *guestVM) shutdown() {
	g.closeOnce.Do(func() {
		g.cancel()
		g.wg.Wait()
		g.net.Close()
		g.vm.Close()
	})
}

// dispatcher implements kvmx86.IOHandler by routing MMIO exits to the net
// device (PIO is legacy-UART-only per spec §4.6).
type dispatcher struct {
	uart *console.UART
	net  *virtionet.Device
}

func (d dispatcher) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	return d.net.HandleMMIO(addr, data, isWrite)
}

func (d dispatcher) HandlePIO(port uint16, data []byte, isWrite bool) error {
	return d.uart.HandlePIO(port, data, isWrite)
}

func guestMAC() net.HardwareAddr {
	return net.HardwareAddr{0x02, 0x42, 0xc0, 0xa8, 0x7f, 0x02}
}

func tapNameFor(cfg Config) string {
	return "cloudlet0"
}
