package backend

import (
	"sync"
	"testing"

	"github.com/kraklabs/mpc-gateway/internal/domain"
)

func testDescriptor(id string) Descriptor {
	return Descriptor{
		ID:              id,
		Type:            domain.BackendLLMSmall,
		Capabilities:    domain.NewCapabilitySet(domain.CapabilityTextGeneration),
		CostPer1kTokens: 0.002,
		AvgLatencyMs:    200,
		MaxTokens:       4096,
		SensitivityAllowed: map[domain.Sensitivity]struct{}{
			domain.SensitivityPublic:   {},
			domain.SensitivityInternal: {},
		},
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	r.Register(testDescriptor("small-1"))

	got, err := r.Get("small-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != "small-1" {
		t.Errorf("got ID %q, want small-1", got.ID)
	}
}

func TestGetUnknownReturnsError(t *testing.T) {
	r := New()
	if _, err := r.Get("nope"); err == nil {
		t.Fatal("expected error for unregistered id")
	}
}

func TestRegisterIsIdempotentOnID(t *testing.T) {
	r := New()
	r.Register(testDescriptor("small-1"))
	updated := testDescriptor("small-1")
	updated.CostPer1kTokens = 0.005
	r.Register(updated)

	if r.Snapshot().Len() != 1 {
		t.Fatalf("expected exactly one descriptor, got %d", r.Snapshot().Len())
	}
	got, _ := r.Get("small-1")
	if got.CostPer1kTokens != 0.005 {
		t.Errorf("expected re-registration to replace descriptor, got cost %v", got.CostPer1kTokens)
	}
}

func TestDeregister(t *testing.T) {
	r := New()
	r.Register(testDescriptor("small-1"))
	r.Deregister("small-1")

	if _, err := r.Get("small-1"); err == nil {
		t.Fatal("expected deregistered descriptor to be gone")
	}
}

func TestListSorted(t *testing.T) {
	r := New()
	r.Register(testDescriptor("zeta"))
	r.Register(testDescriptor("alpha"))
	r.Register(testDescriptor("mid"))

	got := r.List()
	want := []string{"alpha", "mid", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

// TestSnapshotIsolatedFromConcurrentMutation exercises the whole-snapshot-
// swap contract: a snapshot taken before a Register call never observes
// entries added after it was captured.
func TestSnapshotIsolatedFromConcurrentMutation(t *testing.T) {
	r := New()
	r.Register(testDescriptor("existing"))

	before := r.Snapshot()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.Register(testDescriptor("concurrent"))
		}(i)
	}
	wg.Wait()

	if before.Len() != 1 {
		t.Errorf("expected snapshot taken before concurrent registration to stay at 1 entry, got %d", before.Len())
	}
	if r.Snapshot().Len() != 2 {
		t.Errorf("expected registry to hold 2 entries after concurrent registration, got %d", r.Snapshot().Len())
	}
}
