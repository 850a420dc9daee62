package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Validation bounds per capability.
const (
	MaxPromptChars   = 2048
	MinSteps         = 1
	MaxSteps         = 100
	MinVideoSeconds  = 1
	MaxVideoSeconds  = 30
	MinVideoFPS      = 8
	MaxVideoFPS      = 60
	MinTextTokens    = 1
	MaxTextTokens    = 4096
	MaxAudioSeconds  = 300 // no per-plan attribute exists; one bound for all tiers
	DefaultImageSide = 1024
)

// VideoPreset dimensions, longest side first. Plan max_resolution constrains
// the longest side.
var videoPresets = map[string][2]int{
	"480p":  {854, 480},
	"720p":  {1280, 720},
	"1080p": {1920, 1080},
}

// VideoResolutionMultiplier returns the billing multiplier for a preset.
func VideoResolutionMultiplier(preset string) (float64, bool) {
	switch preset {
	case "480p":
		return 0.5, true
	case "720p":
		return 1.0, true
	case "1080p":
		return 2.0, true
	}
	return 0, false
}

// ImageParams are the validated image-generation parameters.
type ImageParams struct {
	Width  int
	Height int
	Steps  int
	Model  string
	Prompt string
}

// VideoParams are the validated video-generation parameters.
type VideoParams struct {
	DurationSeconds int
	FPS             int
	Resolution      string
	Model           string
	Prompt          string
}

// TextParams are the validated text-generation parameters.
type TextParams struct {
	MaxTokens int
	Model     string
	Prompt    string
}

// AudioParams are the validated audio-generation parameters.
type AudioParams struct {
	Voice           string
	DurationSeconds int
	Text            string
}

func paramString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// paramInt tolerates JSON numbers (float64) as well as native ints.
func paramInt(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// ParseResolution parses "WxH" into its components.
func ParseResolution(s string) (w, h int, err error) {
	parts := strings.SplitN(strings.ToLower(s), "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("resolution must be WxH, got %q", s)
	}
	w, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || w <= 0 {
		return 0, 0, fmt.Errorf("bad width in resolution %q", s)
	}
	h, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || h <= 0 {
		return 0, 0, fmt.Errorf("bad height in resolution %q", s)
	}
	return w, h, nil
}

// validatePrompt applies the shared non-empty / length / policy checks.
func validatePrompt(prompt string, blocked []string) error {
	p := strings.TrimSpace(prompt)
	if p == "" {
		return fmt.Errorf("%w: prompt required", ErrInvalidParams)
	}
	if len(prompt) > MaxPromptChars {
		return fmt.Errorf("%w: prompt exceeds %d chars", ErrInvalidParams, MaxPromptChars)
	}
	lower := strings.ToLower(prompt)
	for _, term := range blocked {
		if term == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(term)) {
			return fmt.Errorf("%w: prompt violates content policy", ErrInvalidPrompt)
		}
	}
	return nil
}

// checkModel distinguishes an unknown model (MODEL_NOT_FOUND) from a known
// model the plan does not allow (INVALID_PARAMS).
func checkModel(model string, cap Capability, plan Plan, catalog *Catalog) error {
	if model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidParams)
	}
	if catalog != nil {
		info, ok := catalog.Lookup(model)
		if !ok || info.Capability != cap {
			return fmt.Errorf("%w: %s", ErrModelNotFound, model)
		}
	}
	if !plan.AllowsModel(model) {
		return fmt.Errorf("%w: model %s not allowed on plan %s", ErrInvalidParams, model, plan.Tier)
	}
	return nil
}

// ParseImageParams validates raw params for an image job against the plan.
func ParseImageParams(m map[string]any, plan Plan, catalog *Catalog, blocked []string) (ImageParams, error) {
	var p ImageParams
	if err := validatePrompt(paramString(m, "prompt"), blocked); err != nil {
		return p, err
	}
	p.Prompt = paramString(m, "prompt")
	res := paramString(m, "resolution")
	if res == "" {
		p.Width, p.Height = DefaultImageSide, DefaultImageSide
	} else {
		w, h, err := ParseResolution(res)
		if err != nil {
			return p, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		p.Width, p.Height = w, h
	}
	if p.Width > plan.MaxResolution || p.Height > plan.MaxResolution {
		return p, fmt.Errorf("%w: resolution %dx%d exceeds plan limit %d", ErrInvalidParams, p.Width, p.Height, plan.MaxResolution)
	}
	steps, ok := paramInt(m, "steps")
	if !ok {
		steps = 20
	}
	if steps < MinSteps || steps > MaxSteps {
		return p, fmt.Errorf("%w: steps must be in [%d,%d]", ErrInvalidParams, MinSteps, MaxSteps)
	}
	p.Steps = steps
	p.Model = paramString(m, "model")
	if err := checkModel(p.Model, CapabilityImage, plan, catalog); err != nil {
		return p, err
	}
	return p, nil
}

// ParseVideoParams validates raw params for a video job against the plan.
func ParseVideoParams(m map[string]any, plan Plan, catalog *Catalog, blocked []string) (VideoParams, error) {
	var p VideoParams
	if err := validatePrompt(paramString(m, "prompt"), blocked); err != nil {
		return p, err
	}
	p.Prompt = paramString(m, "prompt")
	dur, ok := paramInt(m, "duration")
	if !ok || dur < MinVideoSeconds || dur > MaxVideoSeconds {
		return p, fmt.Errorf("%w: duration must be in [%d,%d] seconds", ErrInvalidParams, MinVideoSeconds, MaxVideoSeconds)
	}
	p.DurationSeconds = dur
	fps, ok := paramInt(m, "fps")
	if !ok {
		fps = 24
	}
	if fps < MinVideoFPS || fps > MaxVideoFPS {
		return p, fmt.Errorf("%w: fps must be in [%d,%d]", ErrInvalidParams, MinVideoFPS, MaxVideoFPS)
	}
	p.FPS = fps
	preset := paramString(m, "resolution")
	if preset == "" {
		preset = "720p"
	}
	dims, ok := videoPresets[preset]
	if !ok {
		return p, fmt.Errorf("%w: resolution must be one of 480p, 720p, 1080p", ErrInvalidParams)
	}
	if dims[0] > plan.MaxResolution {
		return p, fmt.Errorf("%w: preset %s exceeds plan resolution limit %d", ErrInvalidParams, preset, plan.MaxResolution)
	}
	p.Resolution = preset
	p.Model = paramString(m, "model")
	if err := checkModel(p.Model, CapabilityVideo, plan, catalog); err != nil {
		return p, err
	}
	return p, nil
}

// ParseTextParams validates raw params for a text job against the plan.
func ParseTextParams(m map[string]any, plan Plan, catalog *Catalog, blocked []string) (TextParams, error) {
	var p TextParams
	if err := validatePrompt(paramString(m, "prompt"), blocked); err != nil {
		return p, err
	}
	p.Prompt = paramString(m, "prompt")
	mt, ok := paramInt(m, "max_tokens")
	if !ok {
		mt = 512
	}
	if mt < MinTextTokens || mt > MaxTextTokens {
		return p, fmt.Errorf("%w: max_tokens must be in [%d,%d]", ErrInvalidParams, MinTextTokens, MaxTextTokens)
	}
	p.MaxTokens = mt
	p.Model = paramString(m, "model")
	if err := checkModel(p.Model, CapabilityText, plan, catalog); err != nil {
		return p, err
	}
	return p, nil
}

// ParseAudioParams validates raw params for an audio job against the plan.
// The voice id doubles as the model id in the catalog.
func ParseAudioParams(m map[string]any, plan Plan, catalog *Catalog, blocked []string) (AudioParams, error) {
	var p AudioParams
	text := paramString(m, "text")
	if text == "" {
		text = paramString(m, "prompt")
	}
	if err := validatePrompt(text, blocked); err != nil {
		return p, err
	}
	p.Text = text
	dur, ok := paramInt(m, "duration")
	if !ok {
		dur = 30
	}
	if dur < 1 || dur > MaxAudioSeconds {
		return p, fmt.Errorf("%w: duration must be in [1,%d] seconds", ErrInvalidParams, MaxAudioSeconds)
	}
	p.DurationSeconds = dur
	p.Voice = paramString(m, "voice")
	if p.Voice == "" {
		p.Voice = paramString(m, "model")
	}
	if err := checkModel(p.Voice, CapabilityAudio, plan, catalog); err != nil {
		return p, err
	}
	return p, nil
}

// ValidateParams runs the capability-specific validation and returns the
// params map normalized with the model id under "model".
func ValidateParams(cap Capability, m map[string]any, plan Plan, catalog *Catalog, blocked []string) error {
	if m == nil {
		return fmt.Errorf("%w: params required", ErrInvalidParams)
	}
	switch cap {
	case CapabilityImage:
		_, err := ParseImageParams(m, plan, catalog, blocked)
		return err
	case CapabilityVideo:
		_, err := ParseVideoParams(m, plan, catalog, blocked)
		return err
	case CapabilityText:
		_, err := ParseTextParams(m, plan, catalog, blocked)
		return err
	case CapabilityAudio:
		_, err := ParseAudioParams(m, plan, catalog, blocked)
		return err
	}
	return fmt.Errorf("%w: unknown capability %q", ErrInvalidParams, cap)
}
