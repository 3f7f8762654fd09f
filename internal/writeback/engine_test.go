package writeback

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/jackzampolin/screener/internal/classify"
	"github.com/jackzampolin/screener/internal/library"
)

type fixture struct {
	lib   *library.Memory
	root  library.Collection
	items []library.Item
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	lib := library.NewMemory()
	top := lib.AddCollection("Research", "")
	root := lib.AddCollection("Attribution", top.Key)
	f := &fixture{lib: lib, root: root}
	for i := range n {
		f.items = append(f.items, lib.AddItem(library.Item{
			Key:         fmt.Sprintf("ITEM%d", i),
			Title:       fmt.Sprintf("Paper %d", i),
			Collections: []string{root.Key},
		}))
	}
	return f
}

func entries() []classify.Entry {
	return []classify.Entry{
		{Key: "ITEM0", Status: classify.StatusIncluded, Confidence: 0.9, SuggestedTags: []string{"a", "b", "c", "d", "e", "f", "g", "h"}},
		{Key: "ITEM1", Status: classify.StatusIncluded, Confidence: 0.5},
		{Key: "ITEM2", Status: classify.StatusExcluded, Confidence: 0.9},
		{Key: "ITEM3", Status: classify.StatusMaybe, Confidence: 0.6},
	}
}

func bucketMembers(t *testing.T, lib *library.Memory, key string) []string {
	t.Helper()
	items, err := lib.Items(context.Background(), key, 0)
	if err != nil {
		t.Fatalf("Items(%s) error: %v", key, err)
	}
	var keys []string
	for _, it := range items {
		keys = append(keys, it.Key)
	}
	slices.Sort(keys)
	return keys
}

func TestBucketFor(t *testing.T) {
	tests := []struct {
		name string
		e    classify.Entry
		want Bucket
	}{
		{"included above threshold", classify.Entry{Status: classify.StatusIncluded, Confidence: 0.6}, Included},
		{"included below threshold", classify.Entry{Status: classify.StatusIncluded, Confidence: 0.59}, Maybe},
		{"excluded", classify.Entry{Status: classify.StatusExcluded, Confidence: 0.1}, Excluded},
		{"maybe", classify.Entry{Status: classify.StatusMaybe, Confidence: 0.99}, Maybe},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BucketFor(tt.e, 0.6); got != tt.want {
				t.Errorf("BucketFor() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTopicTag(t *testing.T) {
	if got := TopicTag("  Attribution Frameworks (XAI) "); got != "screen:attribution-frameworks-xai" {
		t.Errorf("TopicTag() = %q", got)
	}
	if got := TopicTag("!!!"); got != "screen:topic" {
		t.Errorf("TopicTag() = %q", got)
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	lib := library.NewMemory()
	a := lib.AddCollection("A", "")
	b := lib.AddCollection("B", "")
	shared1 := lib.AddCollection("Shared", a.Key)
	lib.AddCollection("Shared", b.Key)
	unique := lib.AddCollection("Unique", a.Key)

	t.Run("by key", func(t *testing.T) {
		c, err := Resolve(ctx, lib, shared1.Key)
		if err != nil || c.Key != shared1.Key {
			t.Errorf("Resolve() = %+v, %v", c, err)
		}
	})

	t.Run("by path", func(t *testing.T) {
		c, err := Resolve(ctx, lib, "/a/ Shared /")
		if err != nil || c.Key != shared1.Key {
			t.Errorf("Resolve() = %+v, %v", c, err)
		}
	})

	t.Run("by unique name", func(t *testing.T) {
		c, err := Resolve(ctx, lib, "unique")
		if err != nil || c.Key != unique.Key {
			t.Errorf("Resolve() = %+v, %v", c, err)
		}
	})

	t.Run("ambiguous name", func(t *testing.T) {
		_, err := Resolve(ctx, lib, "Shared")
		var amb *AmbiguousParentError
		if !errors.As(err, &amb) {
			t.Fatalf("expected AmbiguousParentError, got %v", err)
		}
		if len(amb.Candidates) != 2 {
			t.Errorf("candidates = %v", amb.Candidates)
		}
	})

	t.Run("not found", func(t *testing.T) {
		if _, err := Resolve(ctx, lib, "Nope"); !errors.Is(err, ErrParentNotFound) {
			t.Errorf("expected ErrParentNotFound, got %v", err)
		}
		if _, err := Resolve(ctx, lib, "A/Nope"); !errors.Is(err, ErrParentNotFound) {
			t.Errorf("expected ErrParentNotFound for path, got %v", err)
		}
	})
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4)
	eng := New(f.lib, nil)

	var progress [][2]int
	req := Request{
		Parent:     "Research/Attribution",
		Topic:      "frameworks",
		Threshold:  0.6,
		Entries:    entries(),
		OnProgress: func(done, total int) { progress = append(progress, [2]int{done, total}) },
	}
	out, err := eng.Apply(ctx, req)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}

	if out.Screened != 4 || out.Matched != 1 || out.Added != 4 || out.Skipped != 0 || out.Failed != 0 {
		t.Errorf("outcome = %+v", out)
	}
	if out.Parent != "Research/Attribution" || out.Container != DefaultContainer {
		t.Errorf("parent=%q container=%q", out.Parent, out.Container)
	}
	if len(progress) != 4 || progress[3] != [2]int{4, 4} {
		t.Errorf("progress = %v", progress)
	}

	if got := bucketMembers(t, f.lib, out.Buckets[Included].Key); !slices.Equal(got, []string{"ITEM0"}) {
		t.Errorf("included = %v", got)
	}
	if got := bucketMembers(t, f.lib, out.Buckets[Maybe].Key); !slices.Equal(got, []string{"ITEM1", "ITEM3"}) {
		t.Errorf("maybe = %v", got)
	}
	if got := bucketMembers(t, f.lib, out.Buckets[Excluded].Key); !slices.Equal(got, []string{"ITEM2"}) {
		t.Errorf("excluded = %v", got)
	}

	included, _ := f.lib.Item(ctx, "ITEM0")
	if len(included.Tags) != 1+MaxSuggestedTags || included.Tags[0] != "screen:frameworks" {
		t.Errorf("included tags = %v", included.Tags)
	}
	maybe, _ := f.lib.Item(ctx, "ITEM1")
	if len(maybe.Tags) != 0 {
		t.Errorf("maybe item should not be tagged, got %v", maybe.Tags)
	}

	t.Run("second run is idempotent", func(t *testing.T) {
		req.OnProgress = nil
		again, err := eng.Apply(ctx, req)
		if err != nil {
			t.Fatalf("Apply() error: %v", err)
		}
		if again.Added != 0 || again.Skipped != 4 {
			t.Errorf("second run added=%d skipped=%d", again.Added, again.Skipped)
		}
		if again.Buckets[Included].Key != out.Buckets[Included].Key {
			t.Error("second run created a new bucket")
		}
		cols, _ := f.lib.Collections(ctx)
		if len(cols) != 6 {
			t.Errorf("expected 6 collections, got %d", len(cols))
		}
	})
}

func TestApplyFailureIsolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4)
	f.lib.FailItems["ITEM2"] = errors.New("412 conflict")
	eng := New(f.lib, nil)

	es := append(entries(), classify.Entry{Key: "MISSING", Status: classify.StatusMaybe})
	out, err := eng.Apply(ctx, Request{Parent: f.root.Key, Topic: "t", Threshold: 0.6, Entries: es})
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if out.Failed != 2 || out.Added != 3 {
		t.Errorf("failed=%d added=%d", out.Failed, out.Added)
	}
	keys := []string{out.Failures[0].Key, out.Failures[1].Key}
	if !slices.Equal(keys, []string{"ITEM2", "MISSING"}) {
		t.Errorf("failures = %+v", out.Failures)
	}
}

func TestApplyCreateRace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	raced := false
	f.lib.OnCreate = func(name, parentKey string) error {
		if name == "Triage" && !raced {
			raced = true
			f.lib.AddCollection("Triage", parentKey)
			return errors.New("conflict")
		}
		return nil
	}
	eng := New(f.lib, nil)

	out, err := eng.Apply(ctx, Request{
		Parent:        f.root.Key,
		SubfolderName: "Triage",
		Topic:         "t",
		Entries:       []classify.Entry{{Key: "ITEM0", Status: classify.StatusMaybe}},
	})
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if !raced || out.Added != 1 {
		t.Errorf("raced=%v added=%d", raced, out.Added)
	}
	cols, _ := f.lib.Collections(ctx)
	triage := 0
	for _, c := range cols {
		if c.Name == "Triage" {
			triage++
		}
	}
	if triage != 1 {
		t.Errorf("expected one Triage container, got %d", triage)
	}
}

func TestApplyAmbiguousParent(t *testing.T) {
	f := newFixture(t, 0)
	f.lib.AddCollection("Attribution", "")
	_, err := New(f.lib, nil).Apply(context.Background(), Request{Parent: "Attribution"})
	var amb *AmbiguousParentError
	if !errors.As(err, &amb) {
		t.Fatalf("expected AmbiguousParentError, got %v", err)
	}
	cols, _ := f.lib.Collections(context.Background())
	if len(cols) != 3 {
		t.Errorf("ambiguous resolution must not create collections, got %d", len(cols))
	}
}

func TestSampleCap(t *testing.T) {
	f := newFixture(t, 15)
	var es []classify.Entry
	for _, it := range f.items {
		es = append(es, classify.Entry{Key: it.Key, Status: classify.StatusMaybe})
	}
	out, err := New(f.lib, nil).Apply(context.Background(), Request{Parent: f.root.Key, Entries: es})
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if len(out.Sample) != MaxSample {
		t.Errorf("sample len = %d, want %d", len(out.Sample), MaxSample)
	}
	if out.Sample[0].Title != "Paper 0" {
		t.Errorf("sample title = %q", out.Sample[0].Title)
	}
}
