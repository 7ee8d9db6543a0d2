package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/LeadFlow/internal/graph"
	"github.com/BTreeMap/LeadFlow/internal/models"
	"github.com/BTreeMap/LeadFlow/internal/store"
)

// flowExtensions are the file types read from a flows directory.
var flowExtensions = map[string]bool{".json": true, ".yaml": true, ".yml": true}

// InstallFlow validates a JSON or YAML flow document, stores it as active and
// activates it.
func InstallFlow(ctx context.Context, st store.Store, activator Activator, data []byte) (*graph.Flow, error) {
	f, err := graph.Load(data)
	if err != nil {
		return nil, err
	}
	definition, err := graph.CanonicalJSON(data)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	rec := models.FlowRecord{
		ID:         f.ID(),
		Name:       f.Name(),
		Definition: definition,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	existing, err := st.GetFlow(ctx, f.ID())
	switch {
	case err == nil:
		rec.CreatedAt = existing.CreatedAt
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("lookup flow %s: %w", f.ID(), err)
	}
	if err := st.SaveFlow(ctx, rec); err != nil {
		return nil, fmt.Errorf("save flow %s: %w", f.ID(), err)
	}
	activator.Activate(f)
	return f, nil
}

// LoadFlowDir installs every flow document in dir, in file name order. Files
// that fail to load are reported together after the rest are installed.
func LoadFlowDir(ctx context.Context, dir string, st store.Store, activator Activator) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read flows directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var (
		ids      []string
		failures []string
	)
	for _, entry := range entries {
		if entry.IsDir() || !flowExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", entry.Name(), err))
			continue
		}
		f, err := InstallFlow(ctx, st, activator, data)
		if err != nil {
			slog.Error("recovery.LoadFlowDir: flow rejected", "file", path, "error", err)
			failures = append(failures, fmt.Sprintf("%s: %v", entry.Name(), err))
			continue
		}
		slog.Info("recovery.LoadFlowDir: flow installed", "file", path, "flowID", f.ID())
		ids = append(ids, f.ID())
	}
	if len(failures) > 0 {
		return ids, fmt.Errorf("%d flow file(s) rejected: %s", len(failures), strings.Join(failures, "; "))
	}
	return ids, nil
}
