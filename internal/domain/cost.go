package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MinBillableCost is the floor applied to every computed cost.
var MinBillableCost = decimal.RequireFromString("0.01")

var (
	megapixel      = decimal.NewFromInt(1024 * 1024)
	baseSteps      = decimal.NewFromInt(20)
	videoPerSecond = decimal.NewFromInt(3).Div(decimal.NewFromInt(5)) // 0.6 tokens/s
	textPerToken   = decimal.NewFromInt(1000)
	audioFlatCost  = decimal.RequireFromString("0.5")
)

// CostTokens computes the deterministic admission-time cost for a job. All
// arithmetic is 2-dp decimal; the result is fixed on the job record and
// never recomputed.
//
//	image: (W*H / 1024^2) * (steps/20)
//	video: duration * 3/5 * resolution multiplier (480p x0.5, 720p x1, 1080p x2)
//	text:  max_tokens / 1000
//	audio: flat 0.5
func CostTokens(cap Capability, m map[string]any) (decimal.Decimal, error) {
	var cost decimal.Decimal
	switch cap {
	case CapabilityImage:
		w, h := DefaultImageSide, DefaultImageSide
		if res := paramString(m, "resolution"); res != "" {
			pw, ph, err := ParseResolution(res)
			if err != nil {
				return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidParams, err)
			}
			w, h = pw, ph
		}
		steps, ok := paramInt(m, "steps")
		if !ok {
			steps = 20
		}
		pixels := decimal.NewFromInt(int64(w) * int64(h))
		cost = pixels.Div(megapixel).Mul(decimal.NewFromInt(int64(steps)).Div(baseSteps))
	case CapabilityVideo:
		dur, ok := paramInt(m, "duration")
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: duration required", ErrInvalidParams)
		}
		preset := paramString(m, "resolution")
		if preset == "" {
			preset = "720p"
		}
		mult, ok := VideoResolutionMultiplier(preset)
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: unknown resolution preset %q", ErrInvalidParams, preset)
		}
		cost = decimal.NewFromInt(int64(dur)).Mul(videoPerSecond).Mul(decimal.NewFromFloat(mult))
	case CapabilityText:
		mt, ok := paramInt(m, "max_tokens")
		if !ok {
			mt = 512
		}
		cost = decimal.NewFromInt(int64(mt)).Div(textPerToken)
	case CapabilityAudio:
		cost = audioFlatCost
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown capability %q", ErrInvalidParams, cap)
	}
	cost = cost.Round(2)
	if cost.LessThan(MinBillableCost) {
		cost = MinBillableCost
	}
	return cost, nil
}
