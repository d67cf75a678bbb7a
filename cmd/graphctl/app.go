package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	osfs "github.com/hack-pad/hackpadfs/os"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kittclouds/sessiongraph/internal/config"
	"github.com/kittclouds/sessiongraph/internal/metrics"
	"github.com/kittclouds/sessiongraph/internal/search"
	"github.com/kittclouds/sessiongraph/internal/store"
)

type rootFlags struct {
	configPath string
	jsonOut    bool
	verbose    bool
}

// app is everything a subcommand needs, opened once per invocation.
type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	metrics *metrics.Metrics
	store   *store.Store
	out     io.Writer
	json    bool
}

func openApp(ctx context.Context, cmd *cobra.Command, flags *rootFlags) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.verbose {
		cfg.Log.Level = "debug"
	}
	log := cfg.NewLogger(cmd.ErrOrStderr())

	root, err := historyRoot(cfg.History.Dir)
	if err != nil {
		return nil, err
	}
	snapshot := ""
	if cfg.Vector.Snapshot != "" {
		snapshot = path.Join(root, cfg.Vector.Snapshot)
	}

	m := metrics.New(prometheus.NewRegistry())
	s, err := store.Open(ctx, store.Options{
		Path:            cfg.Database.Path,
		History:         osfs.NewFS(),
		HistoryRoot:     root,
		VectorBackend:   store.VectorBackend(cfg.Vector.Backend),
		VectorDimension: cfg.Vector.Dimension,
		IndexSnapshot:   snapshot,
		Logger:          log,
		Metrics:         m,
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"db":      cfg.Database.Path,
		"history": "/" + root,
		"vector":  s.ActiveVectorBackend(),
	}).Debug("store opened")

	return &app{
		cfg:     cfg,
		log:     log,
		metrics: m,
		store:   s,
		out:     cmd.OutOrStdout(),
		json:    flags.jsonOut,
	}, nil
}

// historyRoot turns dir into a path inside the root of the OS filesystem,
// which is how hackpadfs addresses files.
func historyRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("history dir: %w", err)
	}
	abs = filepath.ToSlash(abs)
	if vol := filepath.VolumeName(abs); vol != "" {
		abs = strings.TrimPrefix(abs, vol)
	}
	return strings.Trim(abs, "/"), nil
}

func (a *app) Close() error {
	if err := a.store.SaveVectorIndex(); err != nil {
		a.log.WithError(err).Warn("failed to save vector index")
	}
	return a.store.Close()
}

func (a *app) engine() (*search.Engine, error) {
	sc := a.cfg.Search
	return search.NewEngine(a.store, search.Options{
		Weights:         sc.Weights,
		CandidateLimit:  sc.CandidateLimit,
		SnippetLength:   sc.SnippetLength,
		RecencyHalfLife: sc.RecencyHalfLife,
		RelationK:       sc.RelationK,
		CacheTTL:        sc.CacheTTL,
		Logger:          a.log,
		Metrics:         a.metrics,
	})
}

// emit writes v as indented JSON when --json is set, otherwise calls text.
func (a *app) emit(v any, text func(w io.Writer) error) error {
	if a.json {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(a.out)
}

// withApp adapts a subcommand body to cobra's RunE, opening and closing
// the app around it.
func withApp(flags *rootFlags, fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := openApp(ctx, cmd, flags)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a, args)
	}
}
