package ingestion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jonathan/threads-autopost/internal/types"
)

// Upload writes uploaded CSV content into the watch folder under a timestamped
// name and ingests it synchronously as a csv_upload batch.
func (p *Pipeline) Upload(ctx context.Context, name string, content []byte) (Result, error) {
	if err := os.MkdirAll(p.opts.WatchDir, 0755); err != nil {
		return Result{}, fmt.Errorf("failed to create watch folder: %w", err)
	}

	filename := strconv.FormatInt(p.opts.Now().UnixMilli(), 10) + "_" + sanitizeName(name)
	path := filepath.Join(p.opts.WatchDir, filename)

	// Write under a hidden name first so the watcher never sees a partial file
	tmp := filepath.Join(p.opts.WatchDir, "."+filename+".tmp")
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		return Result{}, fmt.Errorf("failed to write upload: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return Result{}, fmt.Errorf("failed to store upload: %w", err)
	}

	return p.IngestAs(ctx, path, types.SourceCSVUpload)
}

// sanitizeName keeps the base name of an uploaded file and forces a .csv extension.
func sanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	name = strings.TrimLeft(name, ".")
	if name == "" {
		name = "upload"
	}
	if !IsCSV(name) {
		name += ".csv"
	}
	return name
}
