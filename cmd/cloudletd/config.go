package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/cloudlet/internal/orchestrator"
)

// daemonConfig is cloudletd's YAML configuration file (spec §4.8's "fixed
// setup" every booted guest shares), following the teacher's
// internal/bundle.Metadata yaml-tag style.
type daemonConfig struct {
	Listen string `yaml:"listen"`

	KernelPath      string `yaml:"kernelPath"`
	AgentBinaryPath string `yaml:"agentBinaryPath"`
	InitSource      string `yaml:"initSource"`
	InitramfsDir    string `yaml:"initramfsDir"`

	// BaseImages maps a language ("rust", "python", "node") to the OCI
	// image reference its initramfs is built from.
	BaseImages    map[string]string `yaml:"baseImages"`
	LayerCacheDir string            `yaml:"layerCacheDir"`
	Architecture  string            `yaml:"architecture,omitempty"`

	VCPUCount int    `yaml:"vcpus,omitempty"`
	MemoryMB  uint64 `yaml:"memoryMB,omitempty"`

	HostIP     string `yaml:"hostIP"`
	GuestIP    string `yaml:"guestIP"`
	Netmask    string `yaml:"netmask"`
	BridgeName string `yaml:"bridgeName,omitempty"`
	AgentPort  int    `yaml:"agentPort,omitempty"`

	AgentDialTimeoutMS int `yaml:"agentDialTimeoutMS,omitempty"`
	AgentDialBackoffMS int `yaml:"agentDialBackoffMS,omitempty"`
	AgentDialAttempts  int `yaml:"agentDialAttempts,omitempty"`
}

func loadDaemonConfig(path string) (daemonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return daemonConfig{}, fmt.Errorf("read config: %w", err)
	}
	var cfg daemonConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return daemonConfig{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	return cfg, nil
}

func (c daemonConfig) toOrchestratorConfig() (orchestrator.Config, error) {
	hostIP := net.ParseIP(c.HostIP)
	if hostIP == nil && c.HostIP != "" {
		return orchestrator.Config{}, fmt.Errorf("invalid hostIP %q", c.HostIP)
	}
	guestIP := net.ParseIP(c.GuestIP)
	if guestIP == nil && c.GuestIP != "" {
		return orchestrator.Config{}, fmt.Errorf("invalid guestIP %q", c.GuestIP)
	}
	var mask net.IPMask
	if c.Netmask != "" {
		maskIP := net.ParseIP(c.Netmask)
		if maskIP == nil {
			return orchestrator.Config{}, fmt.Errorf("invalid netmask %q", c.Netmask)
		}
		mask = net.IPMask(maskIP.To4())
	}

	return orchestrator.Config{
		KernelPath:        c.KernelPath,
		AgentBinaryPath:   c.AgentBinaryPath,
		InitSource:        c.InitSource,
		InitramfsDir:      c.InitramfsDir,
		BaseImages:        c.BaseImages,
		LayerCacheDir:     c.LayerCacheDir,
		Architecture:      c.Architecture,
		VCPUCount:         c.VCPUCount,
		MemoryMB:          c.MemoryMB,
		HostIP:            hostIP,
		GuestIP:           guestIP,
		Netmask:           mask,
		BridgeName:        c.BridgeName,
		AgentPort:         c.AgentPort,
		AgentDialTimeout:  time.Duration(c.AgentDialTimeoutMS) * time.Millisecond,
		AgentDialBackoff:  time.Duration(c.AgentDialBackoffMS) * time.Millisecond,
		AgentDialAttempts: c.AgentDialAttempts,
	}, nil
}
