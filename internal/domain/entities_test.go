package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tesseralabs/tessera/internal/domain"
)

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()
	for _, s := range []domain.JobStatus{domain.JobCompleted, domain.JobFailed, domain.JobCancelled} {
		assert.True(t, s.Terminal(), "%s", s)
	}
	for _, s := range []domain.JobStatus{domain.JobCreated, domain.JobQueued, domain.JobRunning} {
		assert.False(t, s.Terminal(), "%s", s)
	}
}

func TestRetryableFailure(t *testing.T) {
	t.Parallel()
	assert.True(t, domain.RetryableFailure(domain.CodeTimeout))
	assert.True(t, domain.RetryableFailure(domain.CodeWorkerError))
	assert.False(t, domain.RetryableFailure(domain.CodeInvalidParams))
	assert.False(t, domain.RetryableFailure(domain.CodeQuotaExceeded))
	assert.False(t, domain.RetryableFailure(""))
}

func TestJobRetryCount(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0, domain.Job{}.RetryCount())
	// JSONB round trips numbers as float64.
	j := domain.Job{Metadata: map[string]any{domain.MetaRetryCount: float64(2)}}
	assert.Equal(t, 2, j.RetryCount())
}

func TestJobTimeoutSeconds(t *testing.T) {
	t.Parallel()
	assert.Equal(t, domain.DefaultJobTimeoutSeconds, domain.Job{}.TimeoutSeconds())

	j := domain.Job{Params: map[string]any{"timeout_seconds": 120}}
	assert.Equal(t, 120, j.TimeoutSeconds())

	// Clamped to the ceiling.
	j = domain.Job{Params: map[string]any{"timeout_seconds": 10000}}
	assert.Equal(t, domain.MaxJobTimeoutSeconds, j.TimeoutSeconds())

	j = domain.Job{Params: map[string]any{"timeout_seconds": 0}}
	assert.Equal(t, domain.DefaultJobTimeoutSeconds, j.TimeoutSeconds())
}

func TestJobBatchKey(t *testing.T) {
	t.Parallel()
	a := domain.Job{Params: map[string]any{
		"model": "sdxl", "resolution": "1024x1024", "steps": 20,
	}}
	b := domain.Job{Params: map[string]any{
		"model": "sdxl", "resolution": "1024x1024", "steps": float64(20),
	}}
	c := domain.Job{Params: map[string]any{
		"model": "sdxl", "resolution": "512x512", "steps": 20,
	}}
	assert.Equal(t, domain.JobBatchKey(a), domain.JobBatchKey(b))
	assert.NotEqual(t, domain.JobBatchKey(a), domain.JobBatchKey(c))
}

func TestPlanAllowsModel(t *testing.T) {
	t.Parallel()
	p := domain.Plan{AllowedModels: []string{"sdxl", "llama3-8b"}}
	assert.True(t, p.AllowsModel("sdxl"))
	assert.False(t, p.AllowsModel("flux-schnell"))

	wildcard := domain.Plan{AllowedModels: []string{"*"}}
	assert.True(t, wildcard.AllowsModel("anything"))
}

func TestCatalogLookup(t *testing.T) {
	t.Parallel()
	c := domain.DefaultCatalog()
	m, ok := c.Lookup("sdxl")
	assert.True(t, ok)
	assert.Equal(t, domain.CapabilityImage, m.Capability)
	_, ok = c.Lookup("nope")
	assert.False(t, ok)
	assert.Equal(t, "comfyui", c.Engine("sdxl"))
	assert.NotEmpty(t, c.ByCapability(domain.CapabilityAudio))
}
