// Package main provides the deltagraph CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/orneryd/deltagraph/pkg/config"
	"github.com/orneryd/deltagraph/pkg/graph"
	"github.com/orneryd/deltagraph/pkg/loader"
	"github.com/orneryd/deltagraph/pkg/provider"
	"github.com/orneryd/deltagraph/pkg/registry"
	"github.com/orneryd/deltagraph/pkg/storage"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // Set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "deltagraph",
		Short: "deltagraph - bitemporal delta loader for versioned graph snapshots",
		Long: `deltagraph applies full graph snapshots (nodes, edges and merges) to a
bitemporal store, writing only what changed since the previous load.

Every row carries created/expired timestamps and first/last load versions,
so the graph can be read as it was at any earlier load.`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (default: search standard locations)")
	pf.StringP("namespace", "n", "", "Namespace the graph lives in")
	pf.String("data-dir", "", "Data directory")
	pf.Bool("in-memory", false, "Use an in-memory store (nothing is persisted)")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.String("log-format", "", "Log format: text, json")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "deltagraph v%s (%s) built %s\n", version, commit, buildTime)
		},
	})

	// Load command
	loadCmd := &cobra.Command{
		Use:   "load",
		Short: "Apply a snapshot as a new load version",
		RunE:  runLoad,
	}
	lf := loadCmd.Flags()
	lf.String("nodes", "", "Node snapshot (JSONL, .gz allowed)")
	lf.String("edges", "", "Edge snapshot (JSONL, .gz allowed)")
	lf.String("merges", "", "Merge records (JSONL, .gz allowed, optional)")
	lf.String("load-version", "", "Version label of this load")
	lf.String("load-timestamp", "", "Epoch ms at which the load becomes valid")
	lf.String("release-timestamp", "", "Epoch ms the source published the data")
	lf.Int("batch-size", 0, "Writes per store call")
	lf.Int("workers", 0, "Concurrent batch flushes")
	lf.String("metrics-textfile", "", "Write prometheus metrics to this file after the load")
	rootCmd.AddCommand(loadCmd)

	// Registry commands
	registryCmd := &cobra.Command{
		Use:   "registry",
		Short: "Load registry operations",
	}
	registryCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List applied loads, oldest first",
		RunE:  runRegistryList,
	})
	rootCmd.AddCommand(registryCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "history <kind> <id>",
		Short: "Print every stored version of a record",
		Args:  cobra.ExactArgs(2),
		RunE:  runHistory,
	})

	getCmd := &cobra.Command{
		Use:   "get <kind> <id>",
		Short: "Print the version of a record valid at a point in time",
		Args:  cobra.ExactArgs(2),
		RunE:  runGet,
	}
	getCmd.Flags().String("as-of", "", "Epoch ms to read at (default: the open version)")
	rootCmd.AddCommand(getCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show stored and open row counts per kind",
		RunE:  runStats,
	})

	return rootCmd
}

// loadConfig resolves the config file, applies environment then changed flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	num := func(name string, dst *int) {
		if flags.Changed(name) {
			*dst, _ = flags.GetInt(name)
		}
	}
	ts := func(name string, dst *config.Timestamp) error {
		if !flags.Changed(name) {
			return nil
		}
		raw, _ := flags.GetString(name)
		v, err := config.ParseTimestamp(raw)
		if err != nil {
			return fmt.Errorf("--%s: %w", name, err)
		}
		*dst = v
		return nil
	}

	str("namespace", &cfg.Namespace)
	str("data-dir", &cfg.Storage.DataDir)
	if flags.Changed("in-memory") {
		cfg.Storage.InMemory, _ = flags.GetBool("in-memory")
	}
	str("log-level", &cfg.Logging.Level)
	str("log-format", &cfg.Logging.Format)

	if flags.Lookup("nodes") == nil {
		return nil
	}
	str("nodes", &cfg.Inputs.Nodes)
	str("edges", &cfg.Inputs.Edges)
	str("merges", &cfg.Inputs.Merges)
	str("load-version", &cfg.Versioning.LoadVersion)
	num("batch-size", &cfg.Loader.BatchSize)
	num("workers", &cfg.Loader.Workers)
	str("metrics-textfile", &cfg.Metrics.Textfile)
	if err := ts("load-timestamp", &cfg.Versioning.LoadTimestamp); err != nil {
		return err
	}
	return ts("release-timestamp", &cfg.Versioning.ReleaseTimestamp)
}

func newLogger(cfg *config.Config, out io.Writer) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(out)
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)
	if cfg.Logging.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}

// runtimeEnv is the opened store and registry shared by every command.
type runtimeEnv struct {
	cfg      *config.Config
	log      *logrus.Logger
	badger   *storage.BadgerStore
	store    storage.Store
	registry registry.Registry
}

func (e *runtimeEnv) Close() error { return e.badger.Close() }

func openEnv(cmd *cobra.Command, forLoad bool, onRetry func()) (*runtimeEnv, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if forLoad {
		if err := cfg.ValidateLoad(); err != nil {
			return nil, err
		}
	}
	log, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	log.WithField("config", cfg.String()).Debug("configuration resolved")

	storeLog := log.WithField("component", "badger")
	bs, err := storage.NewBadgerStoreWithOptions(storage.BadgerOptions{
		DataDir:       cfg.Storage.DataDir,
		InMemory:      cfg.Storage.InMemory,
		SyncWrites:    cfg.Storage.SyncWrites,
		LowMemory:     cfg.Storage.LowMemory,
		EncryptionKey: []byte(cfg.Storage.EncryptionKey),
		Logger:        storeLog,
	})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	policy := storage.RetryPolicy{
		MaxRetries:      cfg.Loader.Retry.MaxRetries,
		InitialInterval: cfg.Loader.Retry.InitialInterval,
		MaxInterval:     cfg.Loader.Retry.MaxInterval,
	}
	store := storage.NewRetryingStore(bs, policy, storage.WithRetryHook(func(op string, err error, wait time.Duration) {
		if onRetry != nil {
			onRetry()
		}
		storeLog.WithFields(logrus.Fields{"op": op, "wait": wait.String()}).WithError(err).Warn("retrying store call")
	}))

	return &runtimeEnv{
		cfg:      cfg,
		log:      log,
		badger:   bs,
		store:    store,
		registry: registry.NewBadgerRegistry(bs.DB()),
	}, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runLoad(cmd *cobra.Command, args []string) error {
	promReg := prometheus.NewRegistry()
	metrics := loader.NewMetrics(promReg)

	env, err := openEnv(cmd, true, metrics.StoreRetries.Inc)
	if err != nil {
		return err
	}
	defer env.Close()
	cfg := env.cfg

	req, err := openInputs(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	l := loader.New(env.store, env.registry,
		loader.WithBatchSize(cfg.Loader.BatchSize),
		loader.WithWorkers(cfg.Loader.Workers),
		loader.WithLogger(env.log),
		loader.WithMetrics(metrics),
	)
	entry, err := l.Load(ctx, req)
	if cfg.Metrics.Textfile != "" {
		if werr := prometheus.WriteToTextfile(cfg.Metrics.Textfile, promReg); werr != nil {
			env.log.WithError(werr).Warn("writing metrics textfile")
		}
	}
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), entry)
}

// openInputs opens the configured snapshot files. On error nothing stays open.
func openInputs(cfg *config.Config) (loader.Request, error) {
	req := loader.Request{
		Namespace:        cfg.Namespace,
		LoadVersion:      cfg.Versioning.LoadVersion,
		LoadTimestamp:    int64(cfg.Versioning.LoadTimestamp),
		ReleaseTimestamp: int64(cfg.Versioning.ReleaseTimestamp),
	}
	var opened []provider.Provider
	open := func(path string, kind graph.Kind) (provider.Provider, error) {
		p, err := provider.OpenJSONL(path, kind)
		if err != nil {
			for _, o := range opened {
				_ = o.Close()
			}
			return nil, err
		}
		opened = append(opened, p)
		return p, nil
	}

	var err error
	if req.Nodes, err = open(cfg.Inputs.Nodes, graph.KindNode); err != nil {
		return req, err
	}
	if req.Edges, err = open(cfg.Inputs.Edges, graph.KindEdge); err != nil {
		return req, err
	}
	if cfg.Inputs.Merges != "" {
		if req.Merges, err = open(cfg.Inputs.Merges, graph.KindMerge); err != nil {
			return req, err
		}
	}
	return req, nil
}

func runRegistryList(cmd *cobra.Command, args []string) error {
	env, err := openEnv(cmd, false, nil)
	if err != nil {
		return err
	}
	defer env.Close()

	entries, err := env.registry.List(cmd.Context(), env.cfg.Namespace)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tLOAD_TIMESTAMP\tRELEASE_TIMESTAMP\tAPPLIED_AT\tNODES\tEDGES")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%d\t%d\n", e.LoadVersion, e.LoadTimestamp, e.ReleaseTimestamp,
			time.UnixMilli(e.AppliedAt).UTC().Format(time.RFC3339), e.NodeCount, e.EdgeCount)
	}
	return tw.Flush()
}

func runHistory(cmd *cobra.Command, args []string) error {
	kind, err := graph.ParseKind(args[0])
	if err != nil {
		return err
	}
	env, err := openEnv(cmd, false, nil)
	if err != nil {
		return err
	}
	defer env.Close()

	docs, err := env.store.History(cmd.Context(), env.cfg.Namespace, kind, args[1])
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return fmt.Errorf("%s %q: %w", kind, args[1], storage.ErrNotFound)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, doc := range docs {
		if err := enc.Encode(doc); err != nil {
			return err
		}
	}
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	kind, err := graph.ParseKind(args[0])
	if err != nil {
		return err
	}
	asOf := graph.Sentinel - 1
	if raw, _ := cmd.Flags().GetString("as-of"); raw != "" {
		ts, err := config.ParseTimestamp(raw)
		if err != nil {
			return fmt.Errorf("--as-of: %w", err)
		}
		asOf = int64(ts)
	}
	env, err := openEnv(cmd, false, nil)
	if err != nil {
		return err
	}
	defer env.Close()

	doc, err := env.store.GetAsOf(cmd.Context(), env.cfg.Namespace, kind, args[1], asOf)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), doc)
}

func runStats(cmd *cobra.Command, args []string) error {
	env, err := openEnv(cmd, false, nil)
	if err != nil {
		return err
	}
	defer env.Close()

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tTOTAL\tOPEN")
	for _, kind := range graph.Kinds {
		c, err := env.badger.Count(cmd.Context(), env.cfg.Namespace, kind)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\n", kind, c.Total, c.Open)
	}
	if latest, err := env.registry.Latest(cmd.Context(), env.cfg.Namespace); err == nil {
		fmt.Fprintf(tw, "\nlatest load\t%s\t%d\n", latest.LoadVersion, latest.LoadTimestamp)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
