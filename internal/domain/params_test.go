package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tesseralabs/tessera/internal/domain"
)

func testPlan() domain.Plan {
	return domain.Plan{
		ID:                1,
		Tier:              domain.TierFree,
		DailyTokenLimit:   20,
		RequestsPerMinute: 6,
		MaxConcurrentJobs: 2,
		MaxResolution:     1024,
		AllowedModels:     []string{"sdxl", "llama3-8b", "voice-nova"},
		Active:            true,
	}
}

func starPlan() domain.Plan {
	p := testPlan()
	p.Tier = domain.TierPro
	p.MaxResolution = 2048
	p.AllowedModels = []string{"*"}
	return p
}

func TestParseImageParams(t *testing.T) {
	t.Parallel()
	plan := testPlan()
	catalog := domain.DefaultCatalog()

	p, err := domain.ParseImageParams(map[string]any{
		"prompt": "a red fox", "model": "sdxl", "resolution": "512x768", "steps": 30,
	}, plan, catalog, nil)
	require.NoError(t, err)
	assert.Equal(t, 512, p.Width)
	assert.Equal(t, 768, p.Height)
	assert.Equal(t, 30, p.Steps)

	// Defaults.
	p, err = domain.ParseImageParams(map[string]any{
		"prompt": "a red fox", "model": "sdxl",
	}, plan, catalog, nil)
	require.NoError(t, err)
	assert.Equal(t, 1024, p.Width)
	assert.Equal(t, 20, p.Steps)
}

func TestParseImageParams_ResolutionAtPlanLimit(t *testing.T) {
	t.Parallel()
	plan := testPlan()
	catalog := domain.DefaultCatalog()

	// Exactly at the limit passes.
	_, err := domain.ParseImageParams(map[string]any{
		"prompt": "p", "model": "sdxl", "resolution": "1024x1024",
	}, plan, catalog, nil)
	require.NoError(t, err)

	// One pixel over fails.
	_, err = domain.ParseImageParams(map[string]any{
		"prompt": "p", "model": "sdxl", "resolution": "1025x1024",
	}, plan, catalog, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidParams)
}

func TestParseImageParams_StepsBounds(t *testing.T) {
	t.Parallel()
	plan := testPlan()
	catalog := domain.DefaultCatalog()
	for _, steps := range []int{0, 101} {
		_, err := domain.ParseImageParams(map[string]any{
			"prompt": "p", "model": "sdxl", "steps": steps,
		}, plan, catalog, nil)
		assert.ErrorIs(t, err, domain.ErrInvalidParams, "steps=%d", steps)
	}
}

func TestValidatePrompt(t *testing.T) {
	t.Parallel()
	plan := testPlan()
	catalog := domain.DefaultCatalog()

	_, err := domain.ParseImageParams(map[string]any{
		"prompt": "  ", "model": "sdxl",
	}, plan, catalog, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidParams)

	long := make([]byte, domain.MaxPromptChars+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = domain.ParseImageParams(map[string]any{
		"prompt": string(long), "model": "sdxl",
	}, plan, catalog, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidParams)

	// Blocked terms match case-insensitively and map to the policy error.
	_, err = domain.ParseImageParams(map[string]any{
		"prompt": "portrait of BadWord person", "model": "sdxl",
	}, plan, catalog, []string{"badword"})
	assert.ErrorIs(t, err, domain.ErrInvalidPrompt)
}

func TestCheckModel(t *testing.T) {
	t.Parallel()
	catalog := domain.DefaultCatalog()

	// Unknown model: MODEL_NOT_FOUND, regardless of plan.
	_, err := domain.ParseImageParams(map[string]any{
		"prompt": "p", "model": "no-such-model",
	}, starPlan(), catalog, nil)
	assert.ErrorIs(t, err, domain.ErrModelNotFound)

	// Known model of the wrong capability also reads as not found.
	_, err = domain.ParseImageParams(map[string]any{
		"prompt": "p", "model": "llama3-8b",
	}, starPlan(), catalog, nil)
	assert.ErrorIs(t, err, domain.ErrModelNotFound)

	// Known model the plan does not allow: INVALID_PARAMS.
	_, err = domain.ParseImageParams(map[string]any{
		"prompt": "p", "model": "flux-schnell",
	}, testPlan(), catalog, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidParams)
	assert.NotErrorIs(t, err, domain.ErrModelNotFound)
}

func TestParseVideoParams(t *testing.T) {
	t.Parallel()
	plan := starPlan()
	catalog := domain.DefaultCatalog()

	p, err := domain.ParseVideoParams(map[string]any{
		"prompt": "waves", "model": "svd", "duration": 10, "fps": 24, "resolution": "1080p",
	}, plan, catalog, nil)
	require.NoError(t, err)
	assert.Equal(t, 10, p.DurationSeconds)
	assert.Equal(t, "1080p", p.Resolution)

	// Duration bounds.
	_, err = domain.ParseVideoParams(map[string]any{
		"prompt": "waves", "model": "svd", "duration": 31,
	}, plan, catalog, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidParams)

	// Preset above the plan's resolution ceiling.
	_, err = domain.ParseVideoParams(map[string]any{
		"prompt": "waves", "model": "svd", "duration": 5, "resolution": "1080p",
	}, testPlan(), catalog, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidParams)

	// Unknown preset.
	_, err = domain.ParseVideoParams(map[string]any{
		"prompt": "waves", "model": "svd", "duration": 5, "resolution": "4k",
	}, plan, catalog, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidParams)
}

func TestParseTextParams(t *testing.T) {
	t.Parallel()
	plan := testPlan()
	catalog := domain.DefaultCatalog()

	p, err := domain.ParseTextParams(map[string]any{
		"prompt": "hello", "model": "llama3-8b",
	}, plan, catalog, nil)
	require.NoError(t, err)
	assert.Equal(t, 512, p.MaxTokens)

	_, err = domain.ParseTextParams(map[string]any{
		"prompt": "hello", "model": "llama3-8b", "max_tokens": 4097,
	}, plan, catalog, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidParams)
}

func TestParseAudioParams(t *testing.T) {
	t.Parallel()
	plan := testPlan()
	catalog := domain.DefaultCatalog()

	// "text" or "prompt" both carry the script; "voice" or "model" the voice.
	p, err := domain.ParseAudioParams(map[string]any{
		"text": "read this aloud", "voice": "voice-nova",
	}, plan, catalog, nil)
	require.NoError(t, err)
	assert.Equal(t, "voice-nova", p.Voice)
	assert.Equal(t, 30, p.DurationSeconds)

	_, err = domain.ParseAudioParams(map[string]any{
		"prompt": "read this", "model": "voice-nova", "duration": domain.MaxAudioSeconds + 1,
	}, plan, catalog, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidParams)
}

func TestParseResolution(t *testing.T) {
	t.Parallel()
	w, h, err := domain.ParseResolution("1920x1080")
	require.NoError(t, err)
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)

	for _, bad := range []string{"", "1024", "0x100", "ax100", "100x-1"} {
		_, _, err := domain.ParseResolution(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestJSONNumbersAccepted(t *testing.T) {
	t.Parallel()
	// Params decoded from JSON arrive as float64.
	_, err := domain.ParseImageParams(map[string]any{
		"prompt": "p", "model": "sdxl", "steps": float64(25),
	}, testPlan(), domain.DefaultCatalog(), nil)
	require.NoError(t, err)
}
