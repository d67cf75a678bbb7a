package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hack-pad/hackpadfs"
	"github.com/sirupsen/logrus"
)

// versionRecord is the on-disk form of one node version.
type versionRecord struct {
	Node      *Node     `json:"node"`
	CreatedAt time.Time `json:"createdAt"`
	WrittenAt time.Time `json:"writtenAt"`
}

// VersionInfo describes one version file.
type VersionInfo struct {
	Version   int       `json:"version"`
	WrittenAt time.Time `json:"writtenAt"`
	Path      string    `json:"path"`
}

// versionPath lays files out as <root>/YYYY/MM/<id>-v<version>.json using
// the node's own timestamp.
func (s *Store) versionPath(n *Node) string {
	ts := n.Metadata.Timestamp.UTC()
	name := fmt.Sprintf("%s-v%d.json", n.ID, n.Version)
	return path.Join(s.rootDir(), fmt.Sprintf("%04d", ts.Year()), fmt.Sprintf("%02d", int(ts.Month())), name)
}

func (s *Store) rootDir() string {
	if s.historyRoot == "" {
		return "."
	}
	return s.historyRoot
}

func (s *Store) writeHistory(n *Node, createdAt, writtenAt time.Time) (string, error) {
	p := s.versionPath(n)
	data, err := json.MarshalIndent(versionRecord{Node: n, CreatedAt: createdAt, WrittenAt: writtenAt}, "", "  ")
	if err != nil {
		return "", err
	}
	if err := hackpadfs.MkdirAll(s.history, path.Dir(p), 0o755); err != nil {
		return "", err
	}
	if err := hackpadfs.WriteFullFile(s.history, p, data, 0o644); err != nil {
		return "", err
	}
	return p, nil
}

func (s *Store) removeHistoryFile(p string, log logrus.FieldLogger) {
	if err := hackpadfs.Remove(s.history, p); err != nil && !errors.Is(err, hackpadfs.ErrNotExist) {
		log.WithError(err).WithField("path", p).Warn("failed to remove orphaned version file")
	}
}

// parseVersionName splits "<id>-v<version>.json".
func parseVersionName(name string) (string, int, bool) {
	if !strings.HasSuffix(name, ".json") {
		return "", 0, false
	}
	base := strings.TrimSuffix(name, ".json")
	i := strings.LastIndex(base, "-v")
	if i <= 0 {
		return "", 0, false
	}
	v, err := strconv.Atoi(base[i+2:])
	if err != nil || v < 1 {
		return "", 0, false
	}
	return base[:i], v, true
}

// scanHistory calls fn for every version file under the root.
func (s *Store) scanHistory(fn func(id string, version int, p string) error) error {
	root := s.rootDir()
	years, err := hackpadfs.ReadDir(s.history, root)
	if errors.Is(err, hackpadfs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, y := range years {
		if !y.IsDir() {
			continue
		}
		yearDir := path.Join(root, y.Name())
		months, err := hackpadfs.ReadDir(s.history, yearDir)
		if err != nil {
			return err
		}
		for _, m := range months {
			if !m.IsDir() {
				continue
			}
			monthDir := path.Join(yearDir, m.Name())
			files, err := hackpadfs.ReadDir(s.history, monthDir)
			if err != nil {
				return err
			}
			for _, f := range files {
				if f.IsDir() {
					continue
				}
				id, v, ok := parseVersionName(f.Name())
				if !ok {
					continue
				}
				if err := fn(id, v, path.Join(monthDir, f.Name())); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *Store) readVersionFile(p string) (*versionRecord, error) {
	data, err := hackpadfs.ReadFile(s.history, p)
	if err != nil {
		return nil, err
	}
	var rec versionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", p, err)
	}
	if rec.Node == nil {
		return nil, fmt.Errorf("decode %s: missing node", p)
	}
	return &rec, nil
}

// versionFiles maps version to path for id.
func (s *Store) versionFiles(id string) (map[int]string, error) {
	out := make(map[int]string)
	err := s.scanHistory(func(fid string, v int, p string) error {
		if fid == id {
			out[v] = p
		}
		return nil
	})
	return out, err
}

// NodeVersions lists the history of id, oldest first. Files newer than the
// live row, left by an interrupted write, are not reported.
func (s *Store) NodeVersions(ctx context.Context, id string) ([]VersionInfo, error) {
	live, _, err := s.liveVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	if live == 0 {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}

	files, err := s.versionFiles(id)
	if err != nil {
		return nil, fmt.Errorf("scan history %s: %w", id, err)
	}

	out := make([]VersionInfo, 0, len(files))
	for v, p := range files {
		if v > live {
			continue
		}
		rec, err := s.readVersionFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, VersionInfo{Version: v, WrittenAt: rec.WrittenAt, Path: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// GetNodeFromHistory reads a specific version from the version files.
func (s *Store) GetNodeFromHistory(ctx context.Context, id string, version int) (*Node, error) {
	if version < 1 {
		return nil, fmt.Errorf("version %d: %w", version, ErrInvalidInput)
	}
	live, _, err := s.liveVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	if live == 0 || version > live {
		return nil, fmt.Errorf("node %s@%d: %w", id, version, ErrNotFound)
	}

	files, err := s.versionFiles(id)
	if err != nil {
		return nil, fmt.Errorf("scan history %s: %w", id, err)
	}
	p, ok := files[version]
	if !ok {
		return nil, fmt.Errorf("node %s@%d: %w", id, version, ErrNotFound)
	}
	rec, err := s.readVersionFile(p)
	if err != nil {
		return nil, err
	}
	rec.Node.Version = version
	rec.Node.normalize()
	return rec.Node, nil
}

func (s *Store) removeHistory(id string) error {
	files, err := s.versionFiles(id)
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range files {
		if err := hackpadfs.Remove(s.history, p); err != nil && !errors.Is(err, hackpadfs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RebuildResult summarises a Rebuild run.
type RebuildResult struct {
	Nodes      int `json:"nodes"`
	Edges      int `json:"edges"`
	Embeddings int `json:"embeddings"`
	Skipped    int `json:"skipped"`
}

// Rebuild clears the live tables and re-derives every node row from its
// latest version file. Edges and embeddings whose nodes survive are carried
// over. Everything happens in one transaction, and writers are held off
// from the history scan onwards so no version lands between scan and commit.
func (s *Store) Rebuild(ctx context.Context) (RebuildResult, error) {
	var res RebuildResult

	s.wmu.Lock()
	defer s.wmu.Unlock()

	latest := make(map[string]string)
	latestV := make(map[string]int)
	if err := s.scanHistory(func(id string, v int, p string) error {
		if v > latestV[id] {
			latestV[id] = v
			latest[id] = p
		}
		return nil
	}); err != nil {
		return res, fmt.Errorf("scan history: %w", err)
	}

	records := make([]*versionRecord, 0, len(latest))
	for id, p := range latest {
		rec, err := s.readVersionFile(p)
		if err != nil {
			s.log.WithError(err).WithField("node_id", id).Warn("unreadable version file skipped")
			res.Skipped++
			continue
		}
		rec.Node.ID = id
		rec.Node.Version = latestV[id]
		rec.Node.normalize()
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Node.ID < records[j].Node.ID })

	err := s.writeLocked(ctx, func(tx *sql.Tx) error {
		edges, err := allEdgesTx(ctx, tx)
		if err != nil {
			return err
		}
		embeddings, err := allEmbeddingsTx(ctx, tx)
		if err != nil {
			return err
		}

		if err := s.clearTx(tx); err != nil {
			return err
		}

		present := make(map[string]bool, len(records))
		for _, rec := range records {
			if err := writeNodeRows(ctx, tx, rec.Node, millis(rec.CreatedAt), millis(rec.WrittenAt)); err != nil {
				return fmt.Errorf("restore %s: %w", rec.Node.ID, err)
			}
			present[rec.Node.ID] = true
			res.Nodes++
		}

		for _, e := range edges {
			if !present[e.SourceNodeID] || (e.TargetNodeID != "" && !present[e.TargetNodeID]) {
				continue
			}
			if err := insertEdge(ctx, tx, e); err != nil {
				return err
			}
			res.Edges++
		}

		for _, emb := range embeddings {
			if !present[emb.NodeID] {
				continue
			}
			if err := s.writeEmbeddingTx(ctx, tx, emb); err != nil {
				return err
			}
			res.Embeddings++
		}
		return nil
	})
	if err != nil {
		return RebuildResult{}, fmt.Errorf("rebuild: %w", err)
	}

	if err := s.reloadHNSW(ctx); err != nil {
		return res, err
	}
	s.log.WithFields(logrus.Fields{
		"nodes":      res.Nodes,
		"edges":      res.Edges,
		"embeddings": res.Embeddings,
		"skipped":    res.Skipped,
	}).Info("store rebuilt from version history")
	return res, nil
}
