package store

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mschirtzinger/lifesync/internal/cache"
	"github.com/mschirtzinger/lifesync/internal/engine"
	"github.com/mschirtzinger/lifesync/internal/identity"
	"github.com/mschirtzinger/lifesync/internal/metrics"
	"github.com/mschirtzinger/lifesync/internal/queue"
	"github.com/mschirtzinger/lifesync/internal/remote"
	"github.com/mschirtzinger/lifesync/internal/session"
	"github.com/mschirtzinger/lifesync/internal/syncerr"
)

type note struct {
	Base
	Title string `json:"title"`
}

type memo struct {
	Base
	Body string `json:"body"`
}

type harness struct {
	eng      *engine.Engine
	cache    cache.Cache
	remote   *remote.MemoryStore
	provider *session.StaticProvider
	clock    *queue.ManualClock
	notes    *Adapter[note, *note]
	memos    *Adapter[memo, *memo]
}

func newHarness(t *testing.T, c cache.Cache) *harness {
	t.Helper()
	if c == nil {
		c = cache.NewMemory()
	}
	quiet := log.New(io.Discard, "", 0)
	provider := session.NewStaticProvider()
	store := remote.NewMemoryStore()
	clock := queue.NewManualClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	eng, err := engine.New(engine.Config{Clock: clock, Logger: quiet}, engine.Deps{
		Cache:   c,
		Gate:    session.NewGate(provider, session.Config{Logger: quiet}),
		Remote:  store,
		Metrics: metrics.New(prometheus.NewRegistry()),
	})
	if err != nil {
		t.Fatalf("engine.New() failed: %v", err)
	}
	if err := eng.Open(context.Background()); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	h := &harness{eng: eng, cache: c, remote: store, provider: provider, clock: clock}
	h.notes = New[note](eng, Definition[note]{
		Kind:         "notes",
		ConflictKeys: []string{"user_id", "normalized_title"},
		KeyFields: func(n *note) map[string]any {
			return map[string]any{"normalized_title": identity.NormalizeKey(n.Title)}
		},
	})
	h.memos = New[memo](eng, Definition[memo]{Kind: "memos"})
	return h
}

func (h *harness) signIn() { h.provider.SignIn("u1") }

func (h *harness) queued(t *testing.T) []queue.Operation {
	t.Helper()
	ops, err := h.eng.Queue().Load(context.Background())
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	return ops
}

func TestAdd_OfflineStaysLocal(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	rec, out := h.notes.Add(ctx, note{Title: "Get Fit"})
	if out.Path != PathLocalOnly || out.Kind != syncerr.KindSessionUnavailable {
		t.Errorf("Add() outcome = %+v, want local only without session", out)
	}
	if !strings.HasPrefix(rec.ID, identity.ClientIDPrefix) {
		t.Errorf("Add() id = %q, want client-minted id", rec.ID)
	}
	if rec.CreatedAt.IsZero() || rec.ClientKey != rec.ID {
		t.Errorf("Add() base = %+v, want stamped record", rec.Base)
	}

	list, out := h.notes.List(ctx)
	if len(list) != 1 || list[0].Title != "Get Fit" {
		t.Errorf("List() = %+v, want the local record", list)
	}
	if out.Mirrored() {
		t.Error("List() without session reported a remote read")
	}
	if len(h.remote.Calls()) != 0 {
		t.Error("offline add touched the remote")
	}
	if len(h.queued(t)) != 0 {
		t.Error("offline add was queued; it should wait for the sweep")
	}
}

func TestAdd_OnlineAdoptsRemoteID(t *testing.T) {
	h := newHarness(t, nil)
	h.signIn()
	ctx := context.Background()

	rec, out := h.notes.Add(ctx, note{Title: "Read more"})
	if !out.Mirrored() {
		t.Fatalf("Add() outcome = %+v, want remote", out)
	}
	if !identity.IsRemoteID(rec.ID) {
		t.Errorf("Add() id = %q, want remote id", rec.ID)
	}
	legacy := rec.Metadata.LegacyID
	if !strings.HasPrefix(legacy, identity.ClientIDPrefix) {
		t.Errorf("legacy id = %q, want the client id", legacy)
	}
	if rec.UserID != "u1" {
		t.Errorf("user id = %q, want u1", rec.UserID)
	}

	// Both id forms find the record.
	for _, id := range []string{rec.ID, legacy} {
		got, ok := h.notes.Get(ctx, id)
		if !ok || got.ID != rec.ID {
			t.Errorf("Get(%s) = %+v, %v", id, got, ok)
		}
		rid, found, err := h.notes.ResolveID(ctx, id)
		if err != nil || !found || rid != rec.ID {
			t.Errorf("ResolveID(%s) = %q, %v, %v; want %q", id, rid, found, err, rec.ID)
		}
	}

	rows := h.remote.Rows("notes")
	if len(rows) != 1 {
		t.Fatalf("remote rows = %d, want 1", len(rows))
	}
	if rows[0]["normalized_title"] != "read more" || rows[0].LegacyID() != legacy {
		t.Errorf("remote row = %v", rows[0])
	}
}

func TestAdd_SameNaturalKeyMerges(t *testing.T) {
	h := newHarness(t, nil)
	h.signIn()
	ctx := context.Background()

	first, _ := h.notes.Add(ctx, note{Title: "Get Fit"})
	h.clock.Advance(time.Minute)
	second, out := h.notes.Add(ctx, note{Title: "  get   FIT "})
	if !out.Mirrored() {
		t.Fatalf("second Add() outcome = %+v", out)
	}
	if second.ID != first.ID {
		t.Errorf("second Add() id = %q, want %q", second.ID, first.ID)
	}
	if got := len(h.remote.Rows("notes")); got != 1 {
		t.Errorf("remote rows = %d, want 1", got)
	}
	list, _ := h.notes.List(ctx)
	if len(list) != 1 || list[0].Title != "  get   FIT " {
		t.Errorf("List() = %+v, want one record with the latest title", list)
	}
}

func TestAdd_TransientFailureIsQueued(t *testing.T) {
	h := newHarness(t, nil)
	h.signIn()
	ctx := context.Background()

	h.remote.FailWith(func(remote.Call) error {
		return syncerr.Transient(errors.New("connection refused"))
	})
	rec, out := h.memos.Add(ctx, memo{Body: "call mom"})
	if out.Path != PathQueued || out.Kind != syncerr.KindTransient {
		t.Fatalf("Add() outcome = %+v, want queued", out)
	}

	ops := h.queued(t)
	if len(ops) != 1 || ops[0].Op != queue.OpUpsert || ops[0].Table != "memos" {
		t.Fatalf("queue = %+v, want one upsert on memos", ops)
	}
	if ops[0].Payload["client_key"] != rec.ID {
		t.Errorf("queued client_key = %v, want %s", ops[0].Payload["client_key"], rec.ID)
	}

	h.remote.FailWith(nil)
	res, err := h.eng.Drain(ctx)
	if err != nil || res.Processed != 1 {
		t.Fatalf("Drain() = %+v, %v", res, err)
	}
	got, ok := h.memos.Get(ctx, rec.ID)
	if !ok || !identity.IsRemoteID(got.ID) {
		t.Errorf("after drain Get() = %+v, want the remote id adopted", got)
	}
	if got := len(h.remote.Rows("memos")); got != 1 {
		t.Errorf("remote rows = %d, want 1", got)
	}
}

func TestAdd_PermanentFailureStaysLocal(t *testing.T) {
	h := newHarness(t, nil)
	h.signIn()
	ctx := context.Background()

	h.remote.FailWith(func(remote.Call) error {
		return syncerr.Permanent(errors.New("400 invalid input"))
	})
	_, out := h.memos.Add(ctx, memo{Body: "x"})
	if out.Path != PathLocalOnly || out.Kind != syncerr.KindPermanent {
		t.Errorf("Add() outcome = %+v, want local only, permanent", out)
	}
	if len(h.queued(t)) != 0 {
		t.Error("permanent failure was queued")
	}
	if list, _ := h.memos.List(ctx); len(list) != 1 {
		t.Errorf("local list = %d records, want 1", len(list))
	}
}

// failingCache fails every write to collection keys.
type failingCache struct {
	*cache.Memory
}

func (c failingCache) Update(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	if strings.HasPrefix(key, cache.CollectionPrefix) {
		return errors.New("quota exceeded")
	}
	return c.Memory.Update(ctx, key, fn)
}

func TestAdd_LocalFailureIsNoop(t *testing.T) {
	h := newHarness(t, failingCache{cache.NewMemory()})
	h.signIn()

	_, out := h.memos.Add(context.Background(), memo{Body: "x"})
	if out.Path != PathNoop || out.Kind != syncerr.KindLocalStorage {
		t.Errorf("Add() outcome = %+v, want noop with local storage error", out)
	}
	if len(h.remote.Calls()) != 0 {
		t.Error("remote write attempted before the local write succeeded")
	}
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("local only", func(t *testing.T) {
		h := newHarness(t, nil)
		rec, _ := h.memos.Add(ctx, memo{Body: "a"})
		h.signIn()

		got, out := h.memos.Update(ctx, rec.ID, func(m *memo) { m.Body = "b" })
		if out.Path != PathLocalOnly || got.Body != "b" {
			t.Errorf("Update() = %+v, %+v", got, out)
		}
		if got.ID != rec.ID || !got.CreatedAt.Equal(rec.CreatedAt) {
			t.Error("Update() changed record identity")
		}
		if len(h.remote.Calls()) != 0 || len(h.queued(t)) != 0 {
			t.Error("update of a never-mirrored record went remote")
		}
	})

	t.Run("remote known online", func(t *testing.T) {
		h := newHarness(t, nil)
		h.signIn()
		rec, _ := h.memos.Add(ctx, memo{Body: "a"})

		_, out := h.memos.Update(ctx, rec.Metadata.LegacyID, func(m *memo) { m.Body = "b" })
		if !out.Mirrored() {
			t.Fatalf("Update() outcome = %+v", out)
		}
		rows := h.remote.Rows("memos")
		if rows[0]["body"] != "b" || rows[0].ID() != rec.ID {
			t.Errorf("remote row = %v", rows[0])
		}
	})

	t.Run("remote known offline", func(t *testing.T) {
		h := newHarness(t, nil)
		h.signIn()
		rec, _ := h.memos.Add(ctx, memo{Body: "a"})
		h.provider.SignOut()

		_, out := h.memos.Update(ctx, rec.ID, func(m *memo) { m.Body = "b" })
		if out.Path != PathQueued || out.Kind != syncerr.KindSessionUnavailable {
			t.Fatalf("Update() outcome = %+v, want queued", out)
		}
		ops := h.queued(t)
		if len(ops) != 1 || ops[0].Op != queue.OpUpdate || ops[0].MatchID != rec.ID {
			t.Fatalf("queue = %+v", ops)
		}

		h.signIn()
		if _, err := h.eng.OnSessionEstablished(ctx); err != nil {
			t.Fatalf("OnSessionEstablished() failed: %v", err)
		}
		if rows := h.remote.Rows("memos"); rows[0]["body"] != "b" {
			t.Errorf("remote row after drain = %v", rows[0])
		}
	})

	t.Run("transient failure", func(t *testing.T) {
		h := newHarness(t, nil)
		h.signIn()
		rec, _ := h.memos.Add(ctx, memo{Body: "a"})
		h.remote.FailWith(func(remote.Call) error { return syncerr.Transient(errors.New("503")) })

		_, out := h.memos.Update(ctx, rec.ID, func(m *memo) { m.Body = "b" })
		if out.Path != PathQueued || out.Kind != syncerr.KindTransient {
			t.Errorf("Update() outcome = %+v, want queued", out)
		}
	})

	t.Run("queued add carries the latest edit", func(t *testing.T) {
		h := newHarness(t, nil)
		h.signIn()
		h.remote.FailWith(func(remote.Call) error { return syncerr.Transient(errors.New("503")) })
		rec, out := h.memos.Add(ctx, memo{Body: "v1"})
		if out.Path != PathQueued {
			t.Fatalf("Add() outcome = %+v, want queued", out)
		}
		h.remote.FailWith(nil)
		h.provider.SignOut()

		_, out = h.memos.Update(ctx, rec.ID, func(m *memo) { m.Body = "v2" })
		if out.Path != PathQueued {
			t.Fatalf("Update() outcome = %+v, want queued", out)
		}
		ops := h.queued(t)
		if len(ops) != 1 || ops[0].Payload["body"] != "v2" {
			t.Fatalf("queue = %+v, want the add rewritten to v2", ops)
		}
		if ops[0].Payload[remote.ColumnUserID] != "u1" {
			t.Errorf("rewritten add lost its user: %v", ops[0].Payload)
		}

		// The sweep mirrors v2 first; the replayed add must not undo it.
		h.signIn()
		if _, err := h.eng.OnSessionEstablished(ctx); err != nil {
			t.Fatalf("OnSessionEstablished() failed: %v", err)
		}
		rows := h.remote.Rows("memos")
		if len(rows) != 1 || rows[0]["body"] != "v2" {
			t.Fatalf("remote rows = %v, want one row with v2", rows)
		}
		list, _ := h.memos.List(ctx)
		if len(list) != 1 || list[0].Body != "v2" {
			t.Errorf("List() = %+v, want v2", list)
		}
		if len(h.queued(t)) != 0 {
			t.Error("queue not empty after drain")
		}
	})

	t.Run("queued add with a changed natural key", func(t *testing.T) {
		h := newHarness(t, nil)
		h.signIn()
		h.remote.FailWith(func(remote.Call) error { return syncerr.Transient(errors.New("503")) })
		rec, _ := h.notes.Add(ctx, note{Title: "Get Fit"})
		h.remote.FailWith(nil)
		h.provider.SignOut()

		h.notes.Update(ctx, rec.ID, func(n *note) { n.Title = "Run a marathon" })

		h.signIn()
		if _, err := h.eng.OnSessionEstablished(ctx); err != nil {
			t.Fatalf("OnSessionEstablished() failed: %v", err)
		}
		rows := h.remote.Rows("notes")
		if len(rows) != 1 {
			t.Fatalf("remote rows = %v, want one", rows)
		}
		if rows[0]["normalized_title"] != "run a marathon" {
			t.Errorf("remote row = %v, want the renamed note", rows[0])
		}
	})

	t.Run("not found", func(t *testing.T) {
		h := newHarness(t, nil)
		_, out := h.memos.Update(ctx, "local-missing", func(*memo) {})
		if out.Path != PathNoop || !errors.Is(out.Err, ErrNotFound) {
			t.Errorf("Update() outcome = %+v, want not found", out)
		}
	})
}

func TestRemove(t *testing.T) {
	ctx := context.Background()

	t.Run("remote known online", func(t *testing.T) {
		h := newHarness(t, nil)
		h.signIn()
		rec, _ := h.memos.Add(ctx, memo{Body: "a"})

		if out := h.memos.Remove(ctx, rec.ID); !out.Mirrored() {
			t.Errorf("Remove() outcome = %+v", out)
		}
		if _, ok := h.memos.Get(ctx, rec.ID); ok {
			t.Error("record still present locally")
		}
		if got := len(h.remote.Rows("memos")); got != 0 {
			t.Errorf("remote rows = %d, want 0", got)
		}
	})

	t.Run("transient failure is queued", func(t *testing.T) {
		h := newHarness(t, nil)
		h.signIn()
		rec, _ := h.memos.Add(ctx, memo{Body: "a"})
		h.remote.FailWith(func(remote.Call) error { return syncerr.Transient(errors.New("timeout")) })

		out := h.memos.Remove(ctx, rec.ID)
		if out.Path != PathQueued {
			t.Fatalf("Remove() outcome = %+v, want queued", out)
		}
		ops := h.queued(t)
		if len(ops) != 1 || ops[0].Op != queue.OpDelete || ops[0].MatchID != rec.ID {
			t.Fatalf("queue = %+v", ops)
		}

		h.remote.FailWith(nil)
		if res, err := h.eng.Drain(ctx); err != nil || res.Processed != 1 {
			t.Fatalf("Drain() = %+v, %v", res, err)
		}
		if got := len(h.remote.Rows("memos")); got != 0 {
			t.Errorf("remote rows = %d, want 0", got)
		}
	})

	t.Run("offline delete of remote known record is queued", func(t *testing.T) {
		h := newHarness(t, nil)
		h.signIn()
		rec, _ := h.memos.Add(ctx, memo{Body: "a"})
		h.provider.SignOut()

		if out := h.memos.Remove(ctx, rec.ID); out.Path != PathQueued {
			t.Errorf("Remove() outcome = %+v, want queued", out)
		}
	})

	t.Run("local only", func(t *testing.T) {
		h := newHarness(t, nil)
		rec, _ := h.memos.Add(ctx, memo{Body: "a"})
		if out := h.memos.Remove(ctx, rec.ID); out.Path != PathLocalOnly {
			t.Errorf("Remove() outcome = %+v, want local only", out)
		}
		if len(h.queued(t)) != 0 {
			t.Error("delete of a never-mirrored record was queued")
		}
	})

	t.Run("queued add is discarded", func(t *testing.T) {
		h := newHarness(t, nil)
		h.signIn()
		h.remote.FailWith(func(remote.Call) error { return syncerr.Transient(errors.New("503")) })
		rec, out := h.memos.Add(ctx, memo{Body: "typo"})
		if out.Path != PathQueued {
			t.Fatalf("Add() outcome = %+v, want queued", out)
		}

		if out := h.memos.Remove(ctx, rec.ID); out.Path != PathLocalOnly {
			t.Errorf("Remove() outcome = %+v, want local only", out)
		}
		if ops := h.queued(t); len(ops) != 0 {
			t.Fatalf("queue = %+v, want the add discarded", ops)
		}

		h.remote.FailWith(nil)
		if _, err := h.eng.Drain(ctx); err != nil {
			t.Fatalf("Drain() failed: %v", err)
		}
		if got := len(h.remote.Rows("memos")); got != 0 {
			t.Errorf("remote rows = %d, want 0", got)
		}
		if list, _ := h.memos.List(ctx); len(list) != 0 {
			t.Errorf("List() = %+v, want the removed record to stay gone", list)
		}
	})

	t.Run("not found", func(t *testing.T) {
		h := newHarness(t, nil)
		if out := h.memos.Remove(ctx, "local-x"); out.Path != PathNoop || !errors.Is(out.Err, ErrNotFound) {
			t.Errorf("Remove() outcome = %+v", out)
		}
	})
}

func TestList(t *testing.T) {
	ctx := context.Background()

	t.Run("recency order agrees locally and remotely", func(t *testing.T) {
		h := newHarness(t, nil)
		h.signIn()
		for _, body := range []string{"old", "mid", "new"} {
			h.memos.Add(ctx, memo{Body: body})
			h.clock.Advance(time.Hour)
		}

		remoteList, out := h.memos.List(ctx)
		if !out.Mirrored() {
			t.Fatalf("List() outcome = %+v", out)
		}
		h.provider.SignOut()
		localList, out := h.memos.List(ctx)
		if out.Mirrored() {
			t.Fatal("List() without session read remotely")
		}

		want := []string{"new", "mid", "old"}
		for i, w := range want {
			if remoteList[i].Body != w || localList[i].Body != w {
				t.Errorf("position %d: remote %q local %q, want %q", i, remoteList[i].Body, localList[i].Body, w)
			}
		}
	})

	t.Run("empty remote prefers local", func(t *testing.T) {
		h := newHarness(t, nil)
		h.memos.Add(ctx, memo{Body: "migrated"})
		h.signIn()

		list, out := h.memos.List(ctx)
		if len(list) != 1 || list[0].Body != "migrated" {
			t.Errorf("List() = %+v, want the local record", list)
		}
		if out.Path != PathLocalOnly || out.Err != nil {
			t.Errorf("List() outcome = %+v", out)
		}
	})

	t.Run("remote merged with local only records", func(t *testing.T) {
		h := newHarness(t, nil)
		h.signIn()
		h.memos.Add(ctx, memo{Body: "synced"})
		h.remote.FailWith(func(c remote.Call) error {
			if c.Op == "upsert" {
				return syncerr.Permanent(errors.New("rejected"))
			}
			return nil
		})
		h.memos.Add(ctx, memo{Body: "local"})

		list, out := h.memos.List(ctx)
		if !out.Mirrored() || len(list) != 2 {
			t.Errorf("List() = %+v, %+v; want both records", list, out)
		}
		cached, err := cache.LoadList[memo](ctx, h.cache, h.memos.CacheKey())
		if err != nil || len(cached) != 2 {
			t.Errorf("cache after List() = %d records, %v", len(cached), err)
		}
	})

	t.Run("queued writes win over the remote copy", func(t *testing.T) {
		h := newHarness(t, nil)
		h.signIn()
		edited, _ := h.memos.Add(ctx, memo{Body: "a"})
		h.clock.Advance(time.Minute)
		gone, _ := h.memos.Add(ctx, memo{Body: "c"})

		h.remote.FailWith(func(c remote.Call) error {
			if c.Op == "update" || c.Op == "delete" {
				return syncerr.Transient(errors.New("503"))
			}
			return nil
		})
		h.memos.Update(ctx, edited.ID, func(m *memo) { m.Body = "b" })
		h.memos.Remove(ctx, gone.ID)
		if got := len(h.queued(t)); got != 2 {
			t.Fatalf("queued = %d, want 2", got)
		}

		list, out := h.memos.List(ctx)
		if !out.Mirrored() {
			t.Fatalf("List() outcome = %+v", out)
		}
		if len(list) != 1 || list[0].Body != "b" {
			t.Errorf("List() = %+v, want only the edited record", list)
		}
		cached, _ := cache.LoadList[memo](ctx, h.cache, h.memos.CacheKey())
		if len(cached) != 1 || cached[0].Body != "b" {
			t.Errorf("cache after List() = %+v", cached)
		}
	})

	t.Run("local write during the remote read survives", func(t *testing.T) {
		h := newHarness(t, nil)
		h.signIn()
		h.memos.Add(ctx, memo{Body: "synced"})

		written := memo{Base: Base{ID: identity.NewClientID(), CreatedAt: h.clock.Now()}, Body: "meanwhile"}
		written.ClientKey = written.ID
		var once sync.Once
		h.remote.FailWith(func(c remote.Call) error {
			if c.Op != "select" {
				return nil
			}
			once.Do(func() {
				err := cache.UpdateList[memo](ctx, h.cache, h.memos.CacheKey(), func(items []memo) ([]memo, error) {
					return append(items, written), nil
				})
				if err != nil {
					t.Errorf("concurrent write failed: %v", err)
				}
			})
			return nil
		})

		list, _ := h.memos.List(ctx)
		if len(list) != 2 {
			t.Errorf("List() = %+v, want both records", list)
		}
		h.provider.SignOut()
		local, _ := h.memos.List(ctx)
		if _, ok := h.memos.Get(ctx, written.ID); !ok || len(local) != 2 {
			t.Errorf("local list = %+v, want the concurrent write kept", local)
		}
	})

	t.Run("remote failure falls back to local", func(t *testing.T) {
		h := newHarness(t, nil)
		h.memos.Add(ctx, memo{Body: "a"})
		h.signIn()
		h.remote.FailWith(func(remote.Call) error { return syncerr.Transient(errors.New("offline")) })

		list, out := h.memos.List(ctx)
		if len(list) != 1 || out.Kind != syncerr.KindTransient {
			t.Errorf("List() = %+v, %+v", list, out)
		}
	})
}

func TestSweepLocalOnly(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.notes.Add(ctx, note{Title: "Get Fit"})
	h.memos.Add(ctx, memo{Body: "one"})
	h.memos.Add(ctx, memo{Body: "two"})

	h.signIn()
	report, err := h.eng.OnSessionEstablished(ctx)
	if err != nil {
		t.Fatalf("OnSessionEstablished() failed: %v", err)
	}
	if report.Swept != 3 {
		t.Errorf("swept = %d, want 3", report.Swept)
	}
	memos, _ := h.memos.List(ctx)
	for _, m := range memos {
		if !identity.IsRemoteID(m.ID) {
			t.Errorf("memo %q not reconciled: %s", m.Body, m.ID)
		}
	}

	// A second sign-in finds nothing left to mirror.
	h.eng.OnSignOut("test")
	report, err = h.eng.OnSessionEstablished(ctx)
	if err != nil {
		t.Fatalf("second OnSessionEstablished() failed: %v", err)
	}
	if report.Swept != 0 {
		t.Errorf("second sweep = %d, want 0", report.Swept)
	}
	if got := len(h.remote.Rows("notes")); got != 1 {
		t.Errorf("remote notes = %d, want 1", got)
	}
	if got := len(h.remote.Rows("memos")); got != 2 {
		t.Errorf("remote memos = %d, want 2", got)
	}
}

func TestSweepLocalOnly_StopsOnTransientFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.memos.Add(ctx, memo{Body: "one"})
	h.clock.Advance(time.Second)
	h.memos.Add(ctx, memo{Body: "two"})
	h.signIn()

	var mu sync.Mutex
	calls := 0
	h.remote.FailWith(func(remote.Call) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls > 1 {
			return syncerr.Transient(errors.New("503"))
		}
		return nil
	})

	n, err := h.memos.SweepLocalOnly(ctx)
	if n != 1 || err == nil {
		t.Errorf("SweepLocalOnly() = %d, %v; want 1 and an error", n, err)
	}
}

func TestReconcile_UnknownIDIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.memos.Reconcile(ctx, "local-x", "00000000-0000-4000-8000-000000000000"); err != nil {
		t.Fatalf("Reconcile() failed: %v", err)
	}
	if _, err := h.cache.Get(ctx, h.memos.CacheKey()); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("Reconcile() of an unknown id wrote the collection: %v", err)
	}
}
