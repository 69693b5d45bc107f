package decode

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Options customizes Decode behavior.
type Options struct {
	// Weakly typed decoding (default true): "123" -> int, 1.0 -> int64 etc.
	// Frame payloads arrive as JSON-decoded map[string]any, where all numbers
	// are float64.
	WeaklyTypedInput bool
}

func DefaultOptions() Options {
	return Options{
		WeaklyTypedInput: true,
	}
}

// DecodeMap decodes a generic payload map into a typed payload struct T.
// Struct fields are matched via the `json` tag.
func DecodeMap[T any](m map[string]any, opts ...Options) (*T, error) {
	if m == nil {
		return nil, fmt.Errorf("payload map is nil")
	}

	cfg := DefaultOptions()
	if len(opts) > 0 {
		cfg = opts[0]
	}

	var out T
	decCfg := &mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &out,
		WeaklyTypedInput: cfg.WeaklyTypedInput,
	}

	dec, err := mapstructure.NewDecoder(decCfg)
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &out, nil
}
