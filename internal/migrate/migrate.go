// Package migrate moves entity collections in and out of the local cache.
//
// Export writes every collection as JSONL (one {"kind","record"} object per
// line) or as a YAML document keyed by kind. Import reads either format
// back and merges it into the cache without touching records that already
// exist. Imported records are local-only until the next sweep mirrors them.
package migrate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/lifesync/internal/cache"
)

// Format selects the export encoding.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatYAML  Format = "yaml"
)

// ParseFormat accepts a format name or a file extension.
func ParseFormat(s string) (Format, error) {
	switch strings.TrimPrefix(strings.ToLower(s), ".") {
	case "jsonl", "ndjson", "":
		return FormatJSONL, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown format %q (want jsonl or yaml)", s)
	}
}

// Line is one exported record.
type Line struct {
	Kind   string          `json:"kind"`
	Record json.RawMessage `json:"record"`
}

// ExportResult contains statistics about an export
type ExportResult struct {
	Collections int
	Records     int
}

// ImportOptions contains configuration for an import
type ImportOptions struct {
	// Kinds restricts the import to known collections. Empty accepts any.
	Kinds []string
	// DryRun counts what would be imported without writing.
	DryRun bool
	// BackupPath, when set, receives a JSONL export of the cache before
	// anything is written.
	BackupPath string
}

// MigrateResult contains statistics about an import
type MigrateResult struct {
	Imported      int
	Skipped       int
	PerKind       map[string]int
	BackupCreated string
	Errors        []string
}

// recordIDs holds the identity fields of a stored record.
type recordIDs struct {
	ID       string `json:"id"`
	Metadata struct {
		LegacyID string `json:"legacy_id"`
	} `json:"metadata"`
}

func readIDs(raw []byte) (recordIDs, error) {
	var p recordIDs
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, err
	}
	return p, nil
}

// collections returns every collection in the cache, keyed by kind.
func collections(ctx context.Context, c cache.Cache) (map[string][]json.RawMessage, []string, error) {
	keys, err := c.Keys(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list cache keys: %w", err)
	}
	out := make(map[string][]json.RawMessage)
	var kinds []string
	for _, key := range keys {
		if !strings.HasPrefix(key, cache.CollectionPrefix) {
			continue
		}
		kind := strings.TrimPrefix(key, cache.CollectionPrefix)
		items, err := cache.LoadList[json.RawMessage](ctx, c, key)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load %s: %w", kind, err)
		}
		out[kind] = items
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return out, kinds, nil
}

// Export writes every collection in the cache to w.
func Export(ctx context.Context, c cache.Cache, w io.Writer, format Format) (*ExportResult, error) {
	cols, kinds, err := collections(ctx, c)
	if err != nil {
		return nil, err
	}
	result := &ExportResult{Collections: len(kinds)}

	switch format {
	case FormatJSONL, "":
		enc := json.NewEncoder(w)
		for _, kind := range kinds {
			for _, rec := range cols[kind] {
				if err := enc.Encode(Line{Kind: kind, Record: rec}); err != nil {
					return nil, fmt.Errorf("failed to write %s record: %w", kind, err)
				}
				result.Records++
			}
		}

	case FormatYAML:
		doc := make(map[string][]map[string]any, len(kinds))
		for _, kind := range kinds {
			recs := make([]map[string]any, 0, len(cols[kind]))
			for _, raw := range cols[kind] {
				var m map[string]any
				if err := json.Unmarshal(raw, &m); err != nil {
					return nil, fmt.Errorf("failed to decode %s record: %w", kind, err)
				}
				recs = append(recs, m)
			}
			doc[kind] = recs
			result.Records += len(recs)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("failed to write yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("failed to write yaml: %w", err)
		}

	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
	return result, nil
}

// ExportFile writes an export to path atomically via a temp file.
func ExportFile(ctx context.Context, c cache.Cache, path string, format Format) (*ExportResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	var buf bytes.Buffer
	result, err := Export(ctx, c, &buf, format)
	if err != nil {
		return nil, err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0600); err != nil {
		return nil, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return result, nil
}

// FromJSONL parses a JSONL export. Blank lines are ignored.
func FromJSONL(r io.Reader) ([]Line, error) {
	var lines []Line
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var line Line
		if err := json.Unmarshal(text, &line); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		if line.Kind == "" || len(line.Record) == 0 {
			return nil, fmt.Errorf("line %d: kind and record are required", lineNum)
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL: %w", err)
	}
	return lines, nil
}

// FromYAML parses a YAML export.
func FromYAML(r io.Reader) ([]Line, error) {
	var doc map[string][]map[string]any
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	kinds := make([]string, 0, len(doc))
	for kind := range doc {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	var lines []Line
	for _, kind := range kinds {
		for i, rec := range doc[kind] {
			raw, err := json.Marshal(rec)
			if err != nil {
				return nil, fmt.Errorf("%s record %d: %w", kind, i, err)
			}
			lines = append(lines, Line{Kind: kind, Record: raw})
		}
	}
	return lines, nil
}

// Import reads an export from r and merges it into the cache. A record
// whose id (or legacy id) is already present is skipped.
func Import(ctx context.Context, c cache.Cache, r io.Reader, format Format, opts ImportOptions) (*MigrateResult, error) {
	var lines []Line
	var err error
	switch format {
	case FormatJSONL, "":
		lines, err = FromJSONL(r)
	case FormatYAML:
		lines, err = FromYAML(r)
	default:
		err = fmt.Errorf("unknown format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse import: %w", err)
	}

	result := &MigrateResult{PerKind: make(map[string]int)}

	if opts.BackupPath != "" && !opts.DryRun {
		if _, err := ExportFile(ctx, c, opts.BackupPath, FormatJSONL); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = opts.BackupPath
	}

	allowed := make(map[string]bool, len(opts.Kinds))
	for _, k := range opts.Kinds {
		allowed[k] = true
	}

	byKind := make(map[string][]json.RawMessage)
	var order []string
	for _, line := range lines {
		if len(allowed) > 0 && !allowed[line.Kind] {
			result.Errors = append(result.Errors, fmt.Sprintf("unknown kind %q", line.Kind))
			continue
		}
		if _, seen := byKind[line.Kind]; !seen {
			order = append(order, line.Kind)
		}
		byKind[line.Kind] = append(byKind[line.Kind], line.Record)
	}

	for _, kind := range order {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		imported, skipped, errs := merge(ctx, c, kind, byKind[kind], opts.DryRun)
		result.Imported += imported
		result.Skipped += skipped
		result.PerKind[kind] += imported
		result.Errors = append(result.Errors, errs...)
	}
	return result, nil
}

// merge adds incoming to the kind's collection in one Update.
func merge(ctx context.Context, c cache.Cache, kind string, incoming []json.RawMessage, dryRun bool) (int, int, []string) {
	var imported, skipped int
	var errs []string

	apply := func(items []json.RawMessage) ([]json.RawMessage, error) {
		imported, skipped, errs = 0, 0, nil
		known := make(map[string]bool, len(items))
		for _, raw := range items {
			p, err := readIDs(raw)
			if err != nil {
				continue
			}
			known[p.ID] = true
			if p.Metadata.LegacyID != "" {
				known[p.Metadata.LegacyID] = true
			}
		}

		for _, raw := range incoming {
			p, err := readIDs(raw)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: invalid record: %v", kind, err))
				continue
			}
			if p.ID == "" {
				errs = append(errs, fmt.Sprintf("%s: record without id", kind))
				continue
			}
			if known[p.ID] || (p.Metadata.LegacyID != "" && known[p.Metadata.LegacyID]) {
				skipped++
				continue
			}
			known[p.ID] = true
			if p.Metadata.LegacyID != "" {
				known[p.Metadata.LegacyID] = true
			}
			items = append(items, raw)
			imported++
		}
		return items, nil
	}

	key := cache.CollectionKey(kind)
	if dryRun {
		items, err := cache.LoadList[json.RawMessage](ctx, c, key)
		if err != nil {
			return 0, 0, []string{fmt.Sprintf("%s: %v", kind, err)}
		}
		_, _ = apply(items)
		return imported, skipped, errs
	}
	if err := cache.UpdateList(ctx, c, key, apply); err != nil {
		return 0, 0, []string{fmt.Sprintf("%s: failed to write: %v", kind, err)}
	}
	return imported, skipped, errs
}
