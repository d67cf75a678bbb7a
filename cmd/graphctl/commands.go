package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kittclouds/sessiongraph/internal/search"
	"github.com/kittclouds/sessiongraph/internal/store"
	"github.com/kittclouds/sessiongraph/pkg/graph"
)

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "graphctl",
		Short: "Maintain a session knowledge graph",
		Long: `graphctl inspects and maintains the session graph store.

Settings come from --config (YAML), then SESSIONGRAPH_* environment
variables, which may also be placed in a .env file.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().BoolVar(&flags.jsonOut, "json", false, "Print JSON instead of text")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newMigrateCmd(flags),
		newStatsCmd(flags),
		newSearchCmd(flags),
		newPathCmd(flags),
		newNodeCmd(flags),
		newVersionsCmd(flags),
		newRebuildCmd(flags),
	)
	return root
}

func newMigrateCmd(flags *rootFlags) *cobra.Command {
	var statusOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Long: `Apply pending schema migrations. Steps that need a missing capability,
such as the sqlite-vec extension, are recorded as skipped and retried on
the next run.`,
		Args: cobra.NoArgs,
		RunE: withApp(flags, func(ctx context.Context, a *app, _ []string) error {
			// Open has already run pending steps; Migrate again only retries
			// skipped ones.
			migrate := a.store.Migrate
			if statusOnly {
				migrate = a.store.MigrationStatus
			}
			recs, err := migrate(ctx)
			if err != nil {
				return err
			}
			return a.emit(recs, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tNAME\tSTATUS\tREASON")
				for _, r := range recs {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.Version, r.Name, r.Status, r.Reason)
				}
				return tw.Flush()
			})
		}),
	}
	cmd.Flags().BoolVar(&statusOnly, "status", false, "Only show migration status")
	return cmd
}

type statsReport struct {
	store.Stats
	Orphans    int               `json:"orphans"`
	MostLinked []degreeInfo      `json:"mostLinked"`
	Projects   []store.TermCount `json:"projects"`
}

type degreeInfo struct {
	ID      string  `json:"id"`
	Summary string  `json:"summary"`
	Degree  float64 `json:"degree"`
}

func newStatsCmd(flags *rootFlags) *cobra.Command {
	var top int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show store size and graph topology",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(ctx context.Context, a *app, _ []string) error {
			st, err := a.store.Stats(ctx)
			if err != nil {
				return err
			}
			g, err := a.store.LoadGraph(ctx)
			if err != nil {
				return err
			}
			projects, err := a.store.AllProjects(ctx)
			if err != nil {
				return err
			}
			rep := statsReport{
				Stats:      st,
				Orphans:    len(g.OrphanNodes()),
				MostLinked: mostLinked(g, top),
				Projects:   projects,
			}
			return a.emit(rep, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "nodes\t%d\n", rep.Nodes)
				fmt.Fprintf(tw, "edges\t%d (%d unresolved)\n", rep.Edges, rep.Unresolved)
				fmt.Fprintf(tw, "embeddings\t%d\n", rep.Embeddings)
				fmt.Fprintf(tw, "vector backend\t%s\n", rep.VectorBackend)
				fmt.Fprintf(tw, "orphans\t%d\n", rep.Orphans)
				for _, p := range rep.Projects {
					fmt.Fprintf(tw, "project %s\t%d\n", p.Value, p.Count)
				}
				for _, d := range rep.MostLinked {
					fmt.Fprintf(tw, "linked %s\t%.3f\t%s\n", d.ID, d.Degree, truncate(d.Summary, 60))
				}
				return tw.Flush()
			})
		}),
	}
	cmd.Flags().IntVar(&top, "top", 5, "How many of the most linked nodes to list")
	return cmd
}

// mostLinked returns the n nodes with the highest degree centrality,
// ties broken by ID. Nodes without edges are left out.
func mostLinked(g *graph.Graph, n int) []degreeInfo {
	var out []degreeInfo
	for id, d := range g.DegreeCentrality() {
		if d == 0 {
			continue
		}
		out = append(out, degreeInfo{ID: id, Summary: g.GetNode(id).Label, Degree: d})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Degree != out[j].Degree {
			return out[i].Degree > out[j].Degree
		}
		return out[i].ID < out[j].ID
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func newSearchCmd(flags *rootFlags) *cobra.Command {
	var (
		q       search.Query
		typ     string
		outcome string
		since   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Keyword search with highlighted snippets",
		Long: `Search node text and print ranked results. Without an embedding provider
the vector signal is unavailable, so results rank on text relevance,
relations and recency.`,
		Args: cobra.MinimumNArgs(1),
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			q.Text = strings.Join(args, " ")
			q.Filter.Type = store.NodeType(typ)
			q.Filter.Outcome = store.Outcome(outcome)
			if since > 0 {
				q.Filter.From = time.Now().Add(-since)
			}
			eng, err := a.engine()
			if err != nil {
				return err
			}
			resp, err := eng.Search(ctx, q)
			if err != nil {
				return err
			}
			return a.emit(resp, func(w io.Writer) error {
				fmt.Fprintf(w, "%d results (method %s)\n", resp.Total, resp.Method)
				for i, r := range resp.Results {
					fmt.Fprintf(w, "\n%d. %s  %.3f  [%s] %s\n", resp.Offset+i+1, r.Node.ID, r.Score.Final,
						r.Node.Classification.Type, truncate(r.Node.Content.Summary, 80))
					for _, h := range r.Highlights {
						fmt.Fprintf(w, "   %s: %s\n", h.Field, h.Snippet)
					}
				}
				return nil
			})
		}),
	}
	f := cmd.Flags()
	f.IntVarP(&q.Limit, "limit", "n", 10, "Results per page")
	f.IntVar(&q.Offset, "offset", 0, "Results to skip")
	f.StringVar(&q.Filter.Project, "project", "", "Only this project")
	f.StringVar(&typ, "type", "", "Only this node type")
	f.StringVar(&outcome, "outcome", "", "Only this outcome")
	f.StringSliceVar(&q.Filter.Tags, "tag", nil, "Require tag (repeatable)")
	f.StringSliceVar(&q.Filter.Topics, "topic", nil, "Require topic (repeatable)")
	f.StringSliceVar(&q.Fields, "field", nil, "Search only these fields: "+strings.Join(store.SearchFields, ", "))
	f.DurationVar(&since, "since", 0, "Only nodes newer than this, e.g. 720h")
	return cmd
}

func newPathCmd(flags *rootFlags) *cobra.Command {
	var (
		depth int
		types []string
	)
	cmd := &cobra.Command{
		Use:   "path <from> <to>",
		Short: "Find the shortest path between two nodes",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			p, err := a.store.FindPath(ctx, args[0], args[1], depth, types)
			if err != nil {
				return err
			}
			return a.emit(p, func(w io.Writer) error {
				if !p.Found {
					fmt.Fprintf(w, "no path within %d hops\n", depth)
					return nil
				}
				for i, n := range p.Nodes {
					if i > 0 {
						e := p.Edges[i-1]
						fmt.Fprintf(w, "  --%s-->\n", e.Type)
					}
					fmt.Fprintf(w, "%s  %s\n", n.ID, truncate(n.Content.Summary, 70))
				}
				return nil
			})
		}),
	}
	cmd.Flags().IntVarP(&depth, "depth", "d", 5, "Maximum hops (0-10)")
	cmd.Flags().StringSliceVar(&types, "type", nil, "Follow only these edge types")
	return cmd
}

func newNodeCmd(flags *rootFlags) *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "node <id>",
		Short: "Print a node, optionally an older version",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			var (
				n   *store.Node
				err error
			)
			if version > 0 {
				n, err = a.store.GetNodeFromHistory(ctx, args[0], version)
			} else {
				n, err = a.store.GetNode(ctx, args[0])
			}
			if err != nil {
				return err
			}
			// a node is JSON-shaped either way
			a.json = true
			return a.emit(n, nil)
		}),
	}
	cmd.Flags().IntVar(&version, "version", 0, "Read this version from history")
	return cmd
}

func newVersionsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "versions <id>",
		Short: "List the stored versions of a node",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			vs, err := a.store.NodeVersions(ctx, args[0])
			if err != nil {
				return err
			}
			return a.emit(vs, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tWRITTEN\tPATH")
				for _, v := range vs {
					fmt.Fprintf(tw, "%d\t%s\t%s\n", v.Version, v.WrittenAt.Format(time.RFC3339), v.Path)
				}
				return tw.Flush()
			})
		}),
	}
}

func newRebuildCmd(flags *rootFlags) *cobra.Command {
	var textOnly bool
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Re-derive live rows from the version history",
		Long: `Clear the live tables and restore every node from its latest version
file. With --text-only, only the full-text index is regenerated from the
live rows.`,
		Args: cobra.NoArgs,
		RunE: withApp(flags, func(ctx context.Context, a *app, _ []string) error {
			if textOnly {
				n, err := a.store.RebuildTextIndex(ctx)
				if err != nil {
					return err
				}
				return a.emit(map[string]int{"indexed": n}, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "indexed %d nodes\n", n)
					return err
				})
			}
			res, err := a.store.Rebuild(ctx)
			if err != nil {
				return err
			}
			return a.emit(res, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "restored %d nodes, %d edges, %d embeddings (%d skipped)\n",
					res.Nodes, res.Edges, res.Embeddings, res.Skipped)
				return err
			})
		}),
	}
	cmd.Flags().BoolVar(&textOnly, "text-only", false, "Only rebuild the full-text index")
	return cmd
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
