package proxy

import "testing"

func addBackend(t *testing.T, p *BackendPool, url string) *Backend {
	t.Helper()
	b, err := NewBackend(BackendConfig{URL: url, Weight: 1, MaxConnections: 1})
	if err != nil {
		t.Fatalf("NewBackend(%q): %v", url, err)
	}
	p.Add(b)
	return b
}

func TestAddSeedsUnknownNotHealthy(t *testing.T) {
	p := NewBackendPool()
	b := addBackend(t, p, "http://b1:80")

	if b.IsHealthy() {
		t.Fatal("newly added backend should not be immediately healthy")
	}
	if p.HealthyCount() != 0 {
		t.Fatalf("HealthyCount() = %d, want 0 before any probe", p.HealthyCount())
	}
	status := b.CurrentStatus()
	if status.Health != Unknown {
		t.Fatalf("seeded health = %v, want Unknown", status.Health)
	}
	if status.ConsecutiveFailures != 0 {
		t.Fatalf("seeding biased consecutive_failures to %d, want 0", status.ConsecutiveFailures)
	}
}

func TestRebuildHealthyViewReflectsIsHealthy(t *testing.T) {
	p := NewBackendPool()
	b1 := addBackend(t, p, "http://b1:80")
	b2 := addBackend(t, p, "http://b2:80")

	b1.ObserveProbe(true)
	b1.ApplyHealthThresholds(3, 1)
	p.RebuildHealthyView()

	healthy := p.Healthy()
	if len(healthy) != 1 || healthy[0].ID != b1.ID {
		t.Fatalf("Healthy() = %v, want only %s", healthy, b1.ID)
	}

	b2.ObserveProbe(true)
	b2.ApplyHealthThresholds(3, 1)
	p.RebuildHealthyView()
	if p.HealthyCount() != 2 {
		t.Fatalf("HealthyCount() = %d, want 2", p.HealthyCount())
	}
}

func TestRemoveFiltersHealthyView(t *testing.T) {
	p := NewBackendPool()
	b1 := addBackend(t, p, "http://b1:80")
	b1.ObserveProbe(true)
	b1.ApplyHealthThresholds(3, 1)
	p.RebuildHealthyView()

	if !p.Remove(b1.ID) {
		t.Fatal("Remove returned false for present backend")
	}
	if p.Get(b1.ID) != nil {
		t.Fatal("Get still returns removed backend")
	}
	if len(p.Healthy()) != 0 {
		t.Fatal("healthy view still contains removed backend")
	}
	if p.Remove("nonexistent") {
		t.Fatal("Remove returned true for absent id")
	}
}

func TestAllIsIndependentSnapshot(t *testing.T) {
	p := NewBackendPool()
	addBackend(t, p, "http://b1:80")
	snapshot := p.All()
	addBackend(t, p, "http://b2:80")

	if len(snapshot) != 1 {
		t.Fatalf("snapshot mutated after later Add: len=%d, want 1", len(snapshot))
	}
	if p.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", p.Len())
	}
}
