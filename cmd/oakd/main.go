package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nleite/jackrabbit-oak/internal/config"
	"github.com/nleite/jackrabbit-oak/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Printf("oakd version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "serve":
		runServe(os.Args[2:])
	case "gc":
		runGC(os.Args[2:])
	case "checkpoint":
		runCheckpoint(os.Args[2:])
	case "version":
		fmt.Printf("oakd version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: oakd <command> [options]

Commands:
  serve       Run a cluster node with its admin and metrics servers
  gc          Run one version garbage collection against the backend
  checkpoint  Create, list or release checkpoints
  version     Print version information

Run 'oakd <command> --help' for more information on a command.`)
}

// loadConfig loads the configuration and sets up the global logger.
func loadConfig(path string) (*config.Config, *logging.Logger) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg, cfg.ConfigureLogging()
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	adminAddr := fs.String("admin-addr", "", "Override admin API address (e.g., :8080)")
	metricsAddr := fs.String("metrics-addr", "", "Override metrics address (e.g., :9090)")
	clusterID := fs.Int("cluster-id", -1, "Override the cluster node id")

	fs.Usage = func() {
		fmt.Println(`Usage: oakd serve [options]

Run an oakd cluster node.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, logger := loadConfig(*configPath)
	if *adminAddr != "" {
		cfg.Admin.ListenAddr = *adminAddr
	}
	if *metricsAddr != "" {
		cfg.Observability.MetricsAddr = *metricsAddr
	}
	if *clusterID >= 0 {
		if *clusterID > 0xffff {
			fmt.Fprintf(os.Stderr, "cluster id %d out of range\n", *clusterID)
			os.Exit(1)
		}
		cfg.Store.ClusterID = uint16(*clusterID)
	}

	node := NewNode(NodeOptions{
		Config:    cfg,
		Logger:    logger,
		Version:   version,
		GitCommit: gitCommit,
		BuildTime: buildTime,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		logger.Errorf("failed to start node", map[string]any{"error": err.Error()})
		shutdownNode(node, logger)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Infof("received shutdown signal", nil)
	if !shutdownNode(node, logger) {
		os.Exit(1)
	}
	logger.Infof("node shutdown complete", nil)
}

func shutdownNode(node *Node, logger *logging.Logger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := node.Shutdown(ctx); err != nil {
		logger.Errorf("shutdown error", map[string]any{"error": err.Error()})
		return false
	}
	return true
}
