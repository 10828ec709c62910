// Package plugin defines the strix pipeline plugin interfaces and the typed
// factory registries built-in and third-party plugins register into.
//
// A plugin communicates its verdict purely through Meta mutation: narrow the
// destination mask, zero it to drop, or set the diverted flag to claim the
// packet. Implementations register a factory from an init() function and are
// instantiated by name at configuration time.
package plugin

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Plugin is the base interface for all pipeline plugins.
type Plugin interface {
	// Name reports the name the plugin was registered under.
	Name() string
	// Init configures the instance from its raw options block.
	Init(opts map[string]any) error
}

// DecodeOptions decodes a raw options map into a typed options struct using
// mapstructure tags. Unknown keys are rejected.
func DecodeOptions(opts map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("options decoder: %w", err)
	}
	if err := dec.Decode(opts); err != nil {
		return fmt.Errorf("options: %w", err)
	}
	return nil
}
