package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nleite/jackrabbit-oak/internal/checkpoint"
	"github.com/nleite/jackrabbit-oak/internal/config"
	"github.com/nleite/jackrabbit-oak/internal/gc"
	"github.com/nleite/jackrabbit-oak/internal/logging"
	"github.com/nleite/jackrabbit-oak/internal/nodestore"
	"github.com/nleite/jackrabbit-oak/internal/revision"
)

// ToolClusterID is the default cluster node id of the one-shot commands, kept
// apart from the ids of serving nodes.
const ToolClusterID = 0xffff

// openToolStore opens a node store without background operations for a
// one-shot command. The returned cleanup closes the store and its backends.
func openToolStore(ctx context.Context, cfg *config.Config, clusterID uint16, logger *logging.Logger) (*nodestore.Store, func(), error) {
	raw, err := openBackends(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	opts, err := storeOptions(cfg, logger)
	if err != nil {
		raw.Close()
		return nil, nil, err
	}
	opts.ClusterID = clusterID
	opts.AsyncDelay = 0
	opts.GCInterval = 0
	opts.OrphanBlobInterval = 0

	store, err := nodestore.Open(ctx, raw.kv, raw.objects, opts)
	if err != nil {
		raw.Close()
		return nil, nil, fmt.Errorf("failed to open node store: %w", err)
	}
	cleanup := func() {
		_ = store.Close(context.Background())
		raw.Close()
	}
	return store, cleanup, nil
}

// collectOnce runs a single version garbage collection. A positive maxAge
// overrides the configured max revision age.
func collectOnce(ctx context.Context, store *nodestore.Store, maxAge time.Duration) (gc.Stats, error) {
	if maxAge > 0 {
		store.SetMaxRevisionAge(maxAge)
	}
	return store.VersionGarbageCollector().Collect(ctx)
}

func runGC(args []string) {
	fs := flag.NewFlagSet("gc", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	maxAge := fs.Duration("max-age", 0, "Override the max revision age (e.g., 24h)")
	clusterID := fs.Uint("cluster-id", ToolClusterID, "Cluster node id used while collecting")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Println(`Usage: oakd gc [options]

Run one version garbage collection. Documents removed longer ago than the
max revision age are deleted unless a live checkpoint still observes them.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, logger := loadConfig(*configPath)
	ctx := context.Background()
	store, cleanup, err := openToolStore(ctx, cfg, uint16(*clusterID), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	stats, err := collectOnce(ctx, store, *maxAge)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		cleanup()
		os.Exit(1)
	}
	printStats(os.Stdout, stats, *jsonOutput)
}

func printStats(w io.Writer, stats gc.Stats, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(stats)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Run ID:\t%s\n", stats.RunID)
	fmt.Fprintf(tw, "Ignored due to checkpoint:\t%t\n", stats.IgnoredGCDueToCheckPoint)
	fmt.Fprintf(tw, "Candidates:\t%d\n", stats.CandidateCount)
	fmt.Fprintf(tw, "Deleted documents:\t%d\n", stats.DeletedDocCount)
	fmt.Fprintf(tw, "Deleted blobs:\t%d\n", stats.DeletedBlobCount)
	fmt.Fprintf(tw, "Elapsed:\t%s\n", stats.Elapsed)
	tw.Flush()
}

func runCheckpoint(args []string) {
	if len(args) < 1 {
		printCheckpointUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "create":
		runCheckpointCreate(args[1:])
	case "list":
		runCheckpointList(args[1:])
	case "release":
		runCheckpointRelease(args[1:])
	case "help", "-h", "--help":
		printCheckpointUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown checkpoint command: %s\n\n", args[0])
		printCheckpointUsage()
		os.Exit(1)
	}
}

func printCheckpointUsage() {
	fmt.Println(`Usage: oakd checkpoint <command> [options]

Checkpoint management commands.

Commands:
  create     Pin the current head revision
  list       List live checkpoints
  release    Release a checkpoint by revision

Run 'oakd checkpoint <command> --help' for more information.`)
}

// infoFlag collects repeated -info key=value flags.
type infoFlag map[string]string

func (f infoFlag) String() string {
	pairs := make([]string, 0, len(f))
	for _, k := range slices.Sorted(maps.Keys(f)) {
		pairs = append(pairs, k+"="+f[k])
	}
	return strings.Join(pairs, ",")
}

func (f infoFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	f[k] = v
	return nil
}

func checkpointFlags(name string) (*flag.FlagSet, *string, *uint) {
	fs := flag.NewFlagSet("checkpoint "+name, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	clusterID := fs.Uint("cluster-id", ToolClusterID, "Cluster node id used by the command")
	return fs, configPath, clusterID
}

func withToolStore(configPath string, clusterID uint, fn func(ctx context.Context, store *nodestore.Store) error) {
	cfg, logger := loadConfig(configPath)
	ctx := context.Background()
	store, cleanup, err := openToolStore(ctx, cfg, uint16(clusterID), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	err = fn(ctx, store)
	cleanup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runCheckpointCreate(args []string) {
	fs, configPath, clusterID := checkpointFlags("create")
	lifetime := fs.Duration("lifetime", time.Hour, "How long the checkpoint stays valid")
	info := infoFlag{}
	fs.Var(info, "info", "Checkpoint info as key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	withToolStore(*configPath, *clusterID, func(ctx context.Context, store *nodestore.Store) error {
		rev, err := store.Checkpoint(ctx, *lifetime, info)
		if err != nil {
			return err
		}
		fmt.Println(rev.String())
		return nil
	})
}

func runCheckpointList(args []string) {
	fs, configPath, clusterID := checkpointFlags("list")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	withToolStore(*configPath, *clusterID, func(ctx context.Context, store *nodestore.Store) error {
		cps, err := store.Checkpoints(ctx)
		if err != nil {
			return err
		}
		printCheckpoints(os.Stdout, cps, *jsonOutput)
		return nil
	})
}

func printCheckpoints(w io.Writer, cps []checkpoint.Checkpoint, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(cps)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REVISION\tEXPIRES\tINFO")
	for _, cp := range cps {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", cp.Revision, cp.ExpiryTime().UTC().Format(time.RFC3339), infoFlag(cp.Info))
	}
	tw.Flush()
}

func runCheckpointRelease(args []string) {
	fs, configPath, clusterID := checkpointFlags("release")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: oakd checkpoint release [options] <revision>")
		os.Exit(1)
	}
	rev, err := revision.Parse(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	withToolStore(*configPath, *clusterID, func(ctx context.Context, store *nodestore.Store) error {
		released, err := store.Release(ctx, rev)
		if err != nil {
			return err
		}
		if !released {
			return fmt.Errorf("%w: %s", checkpoint.ErrCheckpointNotFound, rev)
		}
		fmt.Printf("released %s\n", rev)
		return nil
	})
}
