package protocol

import (
	"fmt"
	"slices"

	"github.com/hupe1980/aguimesh/core"
)

// Mode selects how violations are handled.
type Mode string

// Violation handling modes.
const (
	// ModeStrict fails the run on the first violation.
	ModeStrict Mode = "strict"
	// ModeLenient drops the offending event and records a warning.
	ModeLenient Mode = "lenient"
)

// ParseMode validates a mode string; "" resolves to strict.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeStrict:
		return ModeStrict, nil
	case ModeLenient:
		return ModeLenient, nil
	default:
		return "", fmt.Errorf("unknown protocol mode %q", s)
	}
}

// Policy decides, per violation kind, whether a run fails or the event is
// dropped. Tolerate lists kinds treated leniently even in strict mode; it is
// meant for framework adapters known to emit, for example, duplicate ends.
type Policy struct {
	Mode     Mode
	Tolerate []core.ViolationKind
}

// Strict fails on every violation.
func Strict() Policy { return Policy{Mode: ModeStrict} }

// Lenient drops every offending event.
func Lenient() Policy { return Policy{Mode: ModeLenient} }

// TolerateDuplicateEnds is strict except for repeated end events.
func TolerateDuplicateEnds() Policy {
	return Policy{Mode: ModeStrict, Tolerate: []core.ViolationKind{core.ViolationDuplicateEnd}}
}

// Tolerates reports whether a violation of kind k is dropped instead of
// failing the run.
func (p Policy) Tolerates(k core.ViolationKind) bool {
	if p.Mode == ModeLenient {
		return true
	}
	return slices.Contains(p.Tolerate, k)
}

// ParsePolicy builds a Policy from config strings, rejecting unknown modes
// and violation kinds.
func ParsePolicy(mode string, tolerate []string) (Policy, error) {
	m, err := ParseMode(mode)
	if err != nil {
		return Policy{}, err
	}
	p := Policy{Mode: m}
	for _, s := range tolerate {
		k := core.ViolationKind(s)
		if !slices.Contains(violationKinds, k) {
			return Policy{}, fmt.Errorf("unknown violation kind %q", s)
		}
		p.Tolerate = append(p.Tolerate, k)
	}
	return p, nil
}

var violationKinds = []core.ViolationKind{
	core.ViolationDuplicateRunStart,
	core.ViolationDuplicateMessageStart,
	core.ViolationUnknownMessage,
	core.ViolationDuplicateToolCallStart,
	core.ViolationUnknownToolCall,
	core.ViolationResultBeforeEnd,
	core.ViolationDuplicateResult,
	core.ViolationDuplicateEnd,
	core.ViolationInvalidEvent,
}
