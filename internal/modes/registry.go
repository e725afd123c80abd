// Package modes describes the processing modes a submission can run in and
// what each one contributes to the second analysis stage.
package modes

import (
	"errors"
	"fmt"
	"strings"
)

// Mode identifies a processing mode. The set is closed; see All.
type Mode string

const (
	BaselineOnly   Mode = "baseline-only"
	Hybrid         Mode = "hybrid"
	FullGeneration Mode = "full-generation"
)

// Flow selects the experiment variant of the hybrid mode.
type Flow string

const (
	// FlowRealityCheck renders the model image with the user's ratios.
	FlowRealityCheck Flow = "exp_a"
	// FlowFitCheck renders the model's clothes on the user's ratios.
	FlowFitCheck Flow = "exp_b"
)

// ErrUnknownMode is returned by Parse for identifiers outside the closed set.
var ErrUnknownMode = errors.New("unknown processing mode")

// ErrUnknownFlow is returned by ParseFlow for unsupported experiment flows.
var ErrUnknownFlow = errors.New("unknown experiment flow")

// State carries the user-selected options that a mode may forward.
type State struct {
	Flow Flow
}

// Descriptor is the registry entry for a mode.
type Descriptor struct {
	Mode Mode
	// RequiresSecondStage is false when the active result is the baseline result.
	RequiresSecondStage bool
	// WireName is the value sent as the backend's "mode" field.
	WireName string

	extraFields func(State) map[string]string
}

// BuildExtraFields returns the mode-specific form fields for the active request.
// The map is always non-nil and owned by the caller.
func (d Descriptor) BuildExtraFields(state State) map[string]string {
	if d.extraFields == nil {
		return map[string]string{}
	}
	return d.extraFields(state)
}

var registry = map[Mode]Descriptor{
	BaselineOnly: {
		Mode:     BaselineOnly,
		WireName: "legacy",
	},
	Hybrid: {
		Mode:                Hybrid,
		RequiresSecondStage: true,
		WireName:            "lab",
		extraFields: func(s State) map[string]string {
			flow := s.Flow
			if flow == "" {
				flow = FlowRealityCheck
			}
			return map[string]string{"lab_flow": string(flow)}
		},
	},
	FullGeneration: {
		Mode:                FullGeneration,
		RequiresSecondStage: true,
		WireName:            "full_ai",
	},
}

// Describe returns the registry entry for m. Looking up a mode outside the
// closed set is a programming error and panics.
func Describe(m Mode) Descriptor {
	d, ok := registry[m]
	if !ok {
		panic(fmt.Sprintf("modes: no descriptor registered for %q", string(m)))
	}
	return d
}

// All lists the supported modes in presentation order.
func All() []Mode {
	return []Mode{BaselineOnly, Hybrid, FullGeneration}
}

// Parse maps a user-supplied identifier to a Mode. The backend wire names
// ("legacy", "lab", "full_ai") are accepted as aliases.
func Parse(value string) (Mode, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return BaselineOnly, nil
	}
	for _, m := range All() {
		d := registry[m]
		if v == string(d.Mode) || v == d.WireName {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, value)
}

// ParseFlow maps a user-supplied flow; empty selects FlowRealityCheck.
func ParseFlow(value string) (Flow, error) {
	switch Flow(strings.ToLower(strings.TrimSpace(value))) {
	case "", FlowRealityCheck:
		return FlowRealityCheck, nil
	case FlowFitCheck:
		return FlowFitCheck, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFlow, value)
	}
}
