package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bacsc/scnode/pkg/config"
	"github.com/bacsc/scnode/pkg/supervisor"
	"k8s.io/klog/v2"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to the node's YAML configuration file (required)")
		maxNodes   = flag.Int("max-nodes", 1, "Capacity of the in-process node registry")
		tickPeriod = flag.Duration("tick-period", time.Millisecond, "Run-loop tick granularity")
	)

	klog.InitFlags(nil)
	flag.Parse()

	if *configPath == "" {
		klog.ErrorS(nil, "config is required")
		os.Exit(1)
	}

	file, err := config.Load(*configPath)
	if err != nil {
		klog.ErrorS(err, "failed to load config")
		os.Exit(1)
	}

	cfg, err := file.ToSupervisorConfig(logEvent)
	if err != nil {
		klog.ErrorS(err, "failed to build supervisor config")
		os.Exit(1)
	}

	registry := supervisor.NewRegistry(*maxNodes)
	node, err := registry.Init(cfg)
	if err != nil {
		klog.ErrorS(err, "failed to init node")
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		klog.ErrorS(err, "failed to start node")
		os.Exit(1)
	}
	klog.InfoS("node started", "vmac", node.VMAC())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*tickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			klog.InfoS("received shutdown signal, stopping node...")
			node.Stop()
			waitForIdle(node)
			klog.InfoS("node stopped")
			return
		case now := <-ticker.C:
			registry.Tick(now)
		}
	}
}

func waitForIdle(node *supervisor.Node) {
	for node.State() != supervisor.StateIdle {
		time.Sleep(5 * time.Millisecond)
	}
}

func logEvent(kind supervisor.EventKind, pdu []byte) {
	switch kind {
	case supervisor.EventReceived:
		klog.V(4).InfoS("node event", "kind", kind, "bytes", len(pdu))
	default:
		klog.InfoS("node event", "kind", kind)
	}
}
