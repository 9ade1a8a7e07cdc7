package propagate

import (
	"context"
	"sync"
	"testing"
)

func TestFromContextEmpty(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Error("frame found in empty context")
	}
	if got := CurrentEventID(context.Background()); got != "" {
		t.Errorf("CurrentEventID = %q, want empty", got)
	}
}

func TestFromContextNilTolerant(t *testing.T) {
	var ctx context.Context
	if _, ok := FromContext(ctx); ok {
		t.Error("frame found in nil context")
	}
	if got := CurrentEventID(ctx); got != "" {
		t.Errorf("CurrentEventID = %q, want empty", got)
	}
}

func TestChildExtendsAncestry(t *testing.T) {
	ctx := Child(context.Background(), "root")
	ctx = Child(ctx, "mid")
	ctx = Child(ctx, "leaf")

	f, ok := FromContext(ctx)
	if !ok {
		t.Fatal("no frame")
	}
	if f.EventID != "leaf" {
		t.Errorf("EventID = %q", f.EventID)
	}
	want := []string{"root", "mid"}
	if len(f.Ancestors) != len(want) {
		t.Fatalf("ancestors = %v, want %v", f.Ancestors, want)
	}
	for i := range want {
		if f.Ancestors[i] != want[i] {
			t.Errorf("ancestors[%d] = %q, want %q", i, f.Ancestors[i], want[i])
		}
	}
}

func TestChildDoesNotMutateParentFrame(t *testing.T) {
	parentCtx := Child(context.Background(), "root")

	// Two children branch from the same parent context; neither may see
	// the other's id in its chain.
	aCtx := Child(parentCtx, "a")
	bCtx := Child(parentCtx, "b")

	pf, _ := FromContext(parentCtx)
	if pf.EventID != "root" || len(pf.Ancestors) != 0 {
		t.Errorf("parent frame changed: %+v", pf)
	}
	af, _ := FromContext(aCtx)
	bf, _ := FromContext(bCtx)
	if af.EventID != "a" || bf.EventID != "b" {
		t.Errorf("children = %q/%q", af.EventID, bf.EventID)
	}
	if len(af.Ancestors) != 1 || af.Ancestors[0] != "root" {
		t.Errorf("a ancestors = %v", af.Ancestors)
	}
	if len(bf.Ancestors) != 1 || bf.Ancestors[0] != "root" {
		t.Errorf("b ancestors = %v", bf.Ancestors)
	}
}

func TestConcurrentScopesStayIsolated(t *testing.T) {
	base := Child(context.Background(), "root")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "task-" + string(rune('a'+i%26))
			ctx := Child(base, id)
			for j := 0; j < 100; j++ {
				if got := CurrentEventID(ctx); got != id {
					t.Errorf("scope leaked: got %q, want %q", got, id)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestWithStoresFrameVerbatim(t *testing.T) {
	f := Frame{EventID: "ev", Ancestors: []string{"p"}}
	ctx := With(context.Background(), f)
	got, ok := FromContext(ctx)
	if !ok || got.EventID != "ev" || len(got.Ancestors) != 1 {
		t.Errorf("frame = %+v", got)
	}
}
