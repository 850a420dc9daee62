package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tesseralabs/tessera/internal/domain"
)

func testRegistry(now *time.Time) *Registry {
	r := NewRegistry(RegistryConfig{
		StaleAfter:       60 * time.Second,
		DeadAfter:        180 * time.Second,
		RetainDead:       10 * time.Minute,
		QuarantineAfter:  3,
		QuarantineWindow: 10 * time.Minute,
	})
	r.SetClock(func() time.Time { return *now })
	return r
}

func hb(id string, status string, models ...string) domain.Heartbeat {
	return domain.Heartbeat{
		WorkerID:     id,
		URL:          "http://" + id + ":8188",
		Status:       status,
		Capabilities: []string{"image", "video"},
		LoadedModels: models,
	}
}

func TestRegistryLiveness(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	r := testRegistry(&now)
	r.Upsert(hb("gpu-1", domain.WorkerIdle))

	view := func() WorkerView { return r.Snapshot()[0] }

	now = now.Add(59 * time.Second)
	assert.Equal(t, LivenessHealthy, view().Liveness)

	now = now.Add(2 * time.Second) // 61s
	assert.Equal(t, LivenessStale, view().Liveness)
	assert.Empty(t, r.IdleWorkers(), "stale workers take no new work")

	now = now.Add(120 * time.Second) // 181s
	assert.Equal(t, LivenessDead, view().Liveness)
}

func TestRegistryUpsertIdempotentAndRevives(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	r := testRegistry(&now)

	assert.True(t, r.Upsert(hb("gpu-1", domain.WorkerIdle)))
	assert.False(t, r.Upsert(hb("gpu-1", domain.WorkerIdle)), "re-registration is not new")

	// Dies, gets drained, then a heartbeat revives it for fresh draining.
	now = now.Add(200 * time.Second)
	dead := r.DeadUndrained()
	require.Len(t, dead, 1)
	assert.Empty(t, r.DeadUndrained(), "drain marks are sticky")

	assert.False(t, r.Upsert(hb("gpu-1", domain.WorkerIdle)))
	now = now.Add(200 * time.Second)
	assert.Len(t, r.DeadUndrained(), 1, "revived worker drains again on next death")
}

func TestRegistryIdleOrderingAndBusy(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	r := testRegistry(&now)
	r.Upsert(hb("gpu-2", domain.WorkerIdle))
	r.Upsert(hb("gpu-1", domain.WorkerIdle))
	r.Upsert(hb("gpu-3", domain.WorkerBusy))

	idle := r.IdleWorkers()
	require.Len(t, idle, 2)
	assert.Equal(t, "gpu-1", idle[0].ID)
	assert.Equal(t, "gpu-2", idle[1].ID)

	require.True(t, r.MarkBusy("gpu-1"))
	assert.False(t, r.MarkBusy("gpu-1"), "double claim rejected")
	assert.Len(t, r.IdleWorkers(), 1)

	r.MarkIdle("gpu-1")
	assert.Len(t, r.IdleWorkers(), 2)
}

func TestRegistryQuarantine(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	r := testRegistry(&now)
	r.Upsert(hb("gpu-1", domain.WorkerIdle))

	for i := 0; i < 3; i++ {
		r.RecordFailure("gpu-1")
	}
	assert.Len(t, r.IdleWorkers(), 1, "three failures stay under the threshold")

	r.RecordFailure("gpu-1")
	assert.Empty(t, r.IdleWorkers(), "fourth failure quarantines")

	// Quarantine is sticky: the failure window draining does not lift it,
	// and neither do fresh heartbeats.
	now = now.Add(11 * time.Minute)
	r.Upsert(hb("gpu-1", domain.WorkerIdle))
	assert.Empty(t, r.IdleWorkers(), "quarantine survives the failure window")

	// A successful operator health check does, refreshing capabilities.
	assert.False(t, r.MarkHealthy("gpu-9", nil), "unknown workers report false")
	require.True(t, r.MarkHealthy("gpu-1", []string{"image"}))
	idle := r.IdleWorkers()
	require.Len(t, idle, 1)
	assert.Equal(t, []string{"image"}, idle[0].Capabilities)
}

func TestRegistryFailuresAgeOutBelowThreshold(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	r := testRegistry(&now)
	r.Upsert(hb("gpu-1", domain.WorkerIdle))

	// Three failures, then the window drains before the fourth: the old
	// failures no longer count toward the threshold.
	for i := 0; i < 3; i++ {
		r.RecordFailure("gpu-1")
	}
	now = now.Add(11 * time.Minute)
	r.Upsert(hb("gpu-1", domain.WorkerIdle))
	r.RecordFailure("gpu-1")
	assert.Len(t, r.IdleWorkers(), 1, "stale failures do not quarantine")
}

func TestRegistryPruneExpired(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	r := testRegistry(&now)
	r.Upsert(hb("gpu-1", domain.WorkerIdle))

	// Dead but within retention: still visible for forensics.
	now = now.Add(5 * time.Minute)
	assert.Zero(t, r.PruneExpired())
	assert.Len(t, r.Snapshot(), 1)

	// Past dead + retention: gone.
	now = now.Add(10 * time.Minute)
	assert.Equal(t, 1, r.PruneExpired())
	assert.Empty(t, r.Snapshot())
}

func TestRegistryModelResidency(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	r := testRegistry(&now)
	r.Upsert(hb("gpu-1", domain.WorkerIdle, "sdxl"))
	r.Upsert(hb("gpu-2", domain.WorkerBusy, "sdxl", "svd"))

	assert.True(t, r.IdleWorkerHasModel("sdxl"))
	assert.False(t, r.IdleWorkerHasModel("svd"), "only idle workers count for warm start")
	assert.Equal(t, 2, r.LoadedWorkerCount("sdxl"))
	assert.Equal(t, 1, r.LoadedWorkerCount("svd"))
}
