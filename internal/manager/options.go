package manager

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"chatd/internal/engine"
)

// chatOptions are the per-request overrides accepted by Chat. Unset fields
// keep the manager defaults.
type chatOptions struct {
	Temperature *float32 `mapstructure:"temperature"`
	TopK        *int     `mapstructure:"top_k"`
	TopP        *float32 `mapstructure:"top_p"`
	Seed        *int64   `mapstructure:"seed"`
	MaxTokens   *int     `mapstructure:"max_tokens"`
	Reserve     *int     `mapstructure:"reserve"`
}

// decodeOptions applies raw (typically decoded JSON) over base. Unknown
// keys and out-of-range values are rejected.
func decodeOptions(raw map[string]any, base engine.Options) (engine.Options, error) {
	if len(raw) == 0 {
		return base, nil
	}
	var o chatOptions
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &o,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return base, err
	}
	if err := dec.Decode(raw); err != nil {
		return base, err
	}
	out := base
	if o.Temperature != nil {
		if *o.Temperature < 0 {
			return base, fmt.Errorf("temperature must be >= 0")
		}
		out.Sampling.Temperature = *o.Temperature
	}
	if o.TopK != nil {
		if *o.TopK < 0 {
			return base, fmt.Errorf("top_k must be >= 0")
		}
		out.Sampling.TopK = *o.TopK
	}
	if o.TopP != nil {
		if *o.TopP <= 0 || *o.TopP > 1 {
			return base, fmt.Errorf("top_p must be in (0, 1]")
		}
		out.Sampling.TopP = *o.TopP
	}
	if o.Seed != nil {
		out.Sampling.Seed = *o.Seed
	}
	if o.MaxTokens != nil {
		if *o.MaxTokens < 1 {
			return base, fmt.Errorf("max_tokens must be >= 1")
		}
		out.MaxTokens = *o.MaxTokens
	}
	if o.Reserve != nil {
		if *o.Reserve < 0 {
			return base, fmt.Errorf("reserve must be >= 0")
		}
		out.Reserve = *o.Reserve
	}
	return out, nil
}
