package migrate

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mschirtzinger/lifesync/internal/cache"
)

type rec struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Metadata struct {
		LegacyID string `json:"legacy_id,omitempty"`
	} `json:"metadata"`
}

func seed(t *testing.T, c cache.Cache, kind string, recs ...rec) {
	t.Helper()
	if err := cache.SaveList(context.Background(), c, cache.CollectionKey(kind), recs); err != nil {
		t.Fatalf("SaveList() failed: %v", err)
	}
}

func load(t *testing.T, c cache.Cache, kind string) []rec {
	t.Helper()
	items, err := cache.LoadList[rec](context.Background(), c, cache.CollectionKey(kind))
	if err != nil {
		t.Fatalf("LoadList() failed: %v", err)
	}
	return items
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"jsonl", FormatJSONL, false},
		{".jsonl", FormatJSONL, false},
		{"", FormatJSONL, false},
		{"YAML", FormatYAML, false},
		{".yml", FormatYAML, false},
		{"csv", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExport_JSONL(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory()
	seed(t, c, "tasks", rec{ID: "local-1", Title: "a"}, rec{ID: "local-2", Title: "b"})
	seed(t, c, "goals", rec{ID: "local-3", Title: "get fit"})
	// Non-collection keys are not exported.
	if err := c.Put(ctx, cache.QueueKey, []byte(`[]`)); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	var buf bytes.Buffer
	result, err := Export(ctx, c, &buf, FormatJSONL)
	if err != nil {
		t.Fatalf("Export() failed: %v", err)
	}
	if result.Collections != 2 || result.Records != 3 {
		t.Errorf("result = %+v, want 2 collections 3 records", result)
	}

	lines, err := FromJSONL(&buf)
	if err != nil {
		t.Fatalf("FromJSONL() failed: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3", len(lines))
	}
	// Kinds are exported in lexical order.
	if lines[0].Kind != "goals" || lines[1].Kind != "tasks" {
		t.Errorf("kinds = %s, %s; want goals, tasks", lines[0].Kind, lines[1].Kind)
	}
}

func TestFromJSONL_Invalid(t *testing.T) {
	_, err := FromJSONL(strings.NewReader("{\"kind\":\"tasks\",\"record\":{\"id\":\"x\"}}\nnot json\n"))
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("FromJSONL() error = %v, want line 2", err)
	}

	_, err = FromJSONL(strings.NewReader(`{"kind":"tasks"}`))
	if err == nil {
		t.Error("FromJSONL() should reject a line without a record")
	}
}

func TestImport_SkipsExisting(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory()

	existing := rec{ID: "11111111-1111-4111-8111-111111111111", Title: "a"}
	existing.Metadata.LegacyID = "local-1"
	seed(t, c, "tasks", existing)

	input := strings.Join([]string{
		`{"kind":"tasks","record":{"id":"local-1","title":"a (old copy)"}}`,
		`{"kind":"tasks","record":{"id":"local-2","title":"b"}}`,
		`{"kind":"tasks","record":{"id":"local-2","title":"b again"}}`,
		`{"kind":"goals","record":{"id":"local-3","title":"get fit"}}`,
		`{"kind":"tasks","record":{"title":"no id"}}`,
		`{"kind":"widgets","record":{"id":"w1"}}`,
	}, "\n")

	result, err := Import(ctx, c, strings.NewReader(input), FormatJSONL, ImportOptions{
		Kinds: []string{"tasks", "goals"},
	})
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if result.Imported != 2 || result.Skipped != 2 {
		t.Errorf("imported/skipped = %d/%d, want 2/2", result.Imported, result.Skipped)
	}
	if result.PerKind["tasks"] != 1 || result.PerKind["goals"] != 1 {
		t.Errorf("per kind = %v", result.PerKind)
	}
	if len(result.Errors) != 2 {
		t.Errorf("errors = %v, want 2", result.Errors)
	}

	tasks := load(t, c, "tasks")
	if len(tasks) != 2 || tasks[0].ID != existing.ID || tasks[1].ID != "local-2" {
		t.Errorf("tasks = %+v", tasks)
	}
	if goals := load(t, c, "goals"); len(goals) != 1 {
		t.Errorf("goals = %+v, want 1", goals)
	}

	// Importing the same input again changes nothing.
	again, err := Import(ctx, c, strings.NewReader(input), FormatJSONL, ImportOptions{Kinds: []string{"tasks", "goals"}})
	if err != nil {
		t.Fatalf("second Import() failed: %v", err)
	}
	if again.Imported != 0 {
		t.Errorf("second import imported %d, want 0", again.Imported)
	}
}

func TestImport_DryRun(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory()

	result, err := Import(ctx, c, strings.NewReader(`{"kind":"tasks","record":{"id":"local-1"}}`), FormatJSONL, ImportOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if result.Imported != 1 {
		t.Errorf("imported = %d, want 1", result.Imported)
	}
	if tasks := load(t, c, "tasks"); len(tasks) != 0 {
		t.Errorf("dry run wrote %d tasks", len(tasks))
	}
}

func TestRoundTrip_YAML(t *testing.T) {
	ctx := context.Background()
	src := cache.NewMemory()
	seed(t, src, "tasks", rec{ID: "local-1", Title: "a"}, rec{ID: "local-2", Title: "b"})
	seed(t, src, "places", rec{ID: "local-3", Title: "gym"})

	var buf bytes.Buffer
	if _, err := Export(ctx, src, &buf, FormatYAML); err != nil {
		t.Fatalf("Export() failed: %v", err)
	}
	if !strings.Contains(buf.String(), "tasks:") {
		t.Errorf("yaml output missing tasks key:\n%s", buf.String())
	}

	dst := cache.NewMemory()
	result, err := Import(ctx, dst, &buf, FormatYAML, ImportOptions{})
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if result.Imported != 3 {
		t.Errorf("imported = %d, want 3", result.Imported)
	}
	tasks := load(t, dst, "tasks")
	if len(tasks) != 2 || tasks[0].Title != "a" || tasks[1].Title != "b" {
		t.Errorf("tasks = %+v", tasks)
	}
}

func TestImport_Backup(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory()
	seed(t, c, "tasks", rec{ID: "local-1", Title: "a"})

	backup := filepath.Join(t.TempDir(), "backups", "before.jsonl")
	result, err := Import(ctx, c, strings.NewReader(`{"kind":"tasks","record":{"id":"local-2"}}`), FormatJSONL, ImportOptions{BackupPath: backup})
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if result.BackupCreated != backup {
		t.Errorf("BackupCreated = %q, want %q", result.BackupCreated, backup)
	}

	data, err := os.ReadFile(backup)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	lines, err := FromJSONL(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("FromJSONL() failed: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("backup lines = %d, want 1", len(lines))
	}
	var r rec
	if err := json.Unmarshal(lines[0].Record, &r); err != nil || r.ID != "local-1" {
		t.Errorf("backup record = %+v (%v), want local-1", r, err)
	}
}
