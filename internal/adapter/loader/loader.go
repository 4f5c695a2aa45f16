package loader

import (
	"context"
	"fmt"
	"log/slog"

	"pkb/internal/adapter/fs"
	"pkb/internal/domain"
	"pkb/internal/port"
)

// Result is the outcome of loading one data directory.
type Result struct {
	Records []domain.Record
	Files   int
	// Invalid counts records and files skipped for schema violations.
	Invalid int
	Errors  []error
}

// Loader reads JSON record files and projects them into records.
type Loader struct {
	walker port.FileWalker
	logger *slog.Logger
}

func New(walker port.FileWalker, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{walker: walker, logger: logger}
}

// Load reads every matching file below dir. Files are processed in lexical
// order; when an id repeats, the last occurrence wins.
func (l *Loader) Load(ctx context.Context, kind, dir string) (*Result, error) {
	files, err := l.walker.Walk(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s data in %s: %w", kind, dir, err)
	}
	if len(files) == 0 {
		l.logger.Warn("no data files found", "kind", kind, "dir", dir)
	}

	res := &Result{Files: len(files)}
	index := make(map[string]int)

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		items, err := fs.ReadJSONArray(f.Path)
		if err != nil {
			l.logger.Error("skipping data file", "file", f.RelPath, "error", err)
			res.Invalid++
			res.Errors = append(res.Errors, fmt.Errorf("%w: %w", port.ErrValidation, err))
			continue
		}

		for i, item := range items {
			rec, err := Project(kind, item)
			if err != nil {
				l.logger.Warn("skipping invalid record", "file", f.RelPath, "index", i, "error", err)
				res.Invalid++
				res.Errors = append(res.Errors, fmt.Errorf("%s[%d]: %w", f.RelPath, i, err))
				continue
			}
			rec.Metadata["source_file"] = f.RelPath

			if at, dup := index[rec.ID]; dup {
				l.logger.Warn("duplicate record id, keeping the last one", "id", rec.ID, "file", f.RelPath)
				res.Records[at] = rec
				continue
			}
			index[rec.ID] = len(res.Records)
			res.Records = append(res.Records, rec)
		}
		l.logger.Debug("data file loaded", "file", f.RelPath, "records", len(items))
	}

	l.logger.Info("data loaded", "kind", kind, "files", res.Files, "records", len(res.Records), "invalid", res.Invalid)
	return res, nil
}
