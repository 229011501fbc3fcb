package nn

import (
	"fmt"
	"strings"
)

// Strategy selects the kernel an Attention module uses to turn queries,
// keys and values into an output. It is resolved once at construction.
type Strategy int

const (
	// StrategyReference materializes the full score matrix. It always
	// works and is the only strategy that returns attention weights.
	StrategyReference Strategy = iota
	// StrategyFusedKernel runs a tiled online-softmax kernel. It accepts
	// only 2D padding masks and never returns weights.
	StrategyFusedKernel
	// StrategyNativeFused delegates to the backend's scaled dot-product
	// attention primitive, falling back to the reference kernel when the
	// backend lacks one or weights are requested.
	StrategyNativeFused
)

var strategyNames = [...]string{
	StrategyReference:   "reference",
	StrategyFusedKernel: "fused-kernel",
	StrategyNativeFused: "native-fused",
}

// String returns the canonical strategy name.
func (s Strategy) String() string {
	if s < 0 || int(s) >= len(strategyNames) {
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
	return strategyNames[s]
}

// ParseStrategy resolves a configuration value. Besides the canonical names
// it accepts the aliases "eager", "flash_attention_2" and "sdpa".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reference", "eager":
		return StrategyReference, nil
	case "fused-kernel", "fused", "flash_attention_2":
		return StrategyFusedKernel, nil
	case "native-fused", "native", "sdpa":
		return StrategyNativeFused, nil
	default:
		return StrategyReference, fmt.Errorf("unknown attention strategy %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(text []byte) error {
	v, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
