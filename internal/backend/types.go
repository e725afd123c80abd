package backend

import (
	"context"
	"math"
)

// Image is an uploaded photo as sent to the backend.
type Image struct {
	Data        []byte
	ContentType string
	Filename    string
}

// Ratios are the body proportions measured for one subject.
type Ratios map[string]float64

const defaultHeadStatRatio = 0.15

// HeadStatRatio returns head height relative to visible body height.
func (r Ratios) HeadStatRatio() float64 {
	if v, ok := r["head_stat_ratio"]; ok && v > 0 {
		return v
	}
	return defaultHeadStatRatio
}

// Heads expresses body height in head lengths, rounded to one decimal.
func (r Ratios) Heads() float64 {
	return math.Round(10/r.HeadStatRatio()) / 10
}

// Analysis is the textual and numeric part of a stage result.
type Analysis struct {
	FactBomb     string  `json:"fact_bomb"`
	UserHeads    float64 `json:"user_heads"`
	ModelHeads   float64 `json:"model_heads"`
	ResultHeads  float64 `json:"result_heads,omitempty"`
	ResultRatios Ratios  `json:"result_ratios,omitempty"`
}

// Result is a displayable stage result. Image is nil when the stage produced
// a textual analysis only. Image payloads travel as base64 in JSON.
type Result struct {
	Image      []byte   `json:"image"`
	Analysis   Analysis `json:"analysis"`
	DebugUser  []byte   `json:"debug_user,omitempty"`
	DebugModel []byte   `json:"debug_model,omitempty"`
}

// Meta is returned alongside the baseline result and feeds the active stage.
type Meta struct {
	UserRatios  Ratios `json:"user_ratios"`
	ModelRatios Ratios `json:"model_ratios"`
}

// BaselineResponse is the body of a successful POST /process-baseline.
type BaselineResponse struct {
	Baseline Result `json:"baseline"`
	Meta     Meta   `json:"meta"`
}

// ActiveResponse is the body of a successful POST /process-ai.
type ActiveResponse struct {
	Active Result `json:"active"`
}

// BaselineRequest holds the fields of the baseline multipart form.
type BaselineRequest struct {
	User     Image
	Model    Image
	Language string
}

// ActiveRequest holds the fields of the active multipart form.
type ActiveRequest struct {
	User            Image
	Model           Image
	Mode            string
	Language        string
	ExtraFields     map[string]string
	UserRatiosJSON  string
	ModelRatiosJSON string
}

// Client exposes the backend calls used by the orchestration core.
type Client interface {
	Health(ctx context.Context) error
	Version(ctx context.Context) (string, error)
	ProcessBaseline(ctx context.Context, req BaselineRequest) (*BaselineResponse, error)
	ProcessActive(ctx context.Context, req ActiveRequest) (*ActiveResponse, error)
}
