package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL+"/", 2*time.Second, zap.NewNop())
}

func TestHealthTreatsNon2xxAsFailure(t *testing.T) {
	status := http.StatusOK
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(status)
	})

	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("expected healthy backend, got %v", err)
	}

	status = http.StatusServiceUnavailable
	err := client.Health(context.Background())
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status code %d", statusErr.StatusCode)
	}
}

func TestHealthNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewHTTPClient(url, time.Second, zap.NewNop())
	if err := client.Health(context.Background()); err == nil {
		t.Fatal("expected network error")
	}
}

func TestVersion(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"version": "1.4.0"})
	})

	v, err := client.Version(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "1.4.0" {
		t.Fatalf("unexpected version %q", v)
	}
}

func TestProcessBaselineSendsMultipartForm(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/process-baseline" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.FormValue("language"); got != "ko" {
			t.Errorf("unexpected language %q", got)
		}
		for _, field := range []string{"user_image", "model_image"} {
			f, hdr, err := r.FormFile(field)
			if err != nil {
				t.Errorf("missing %s: %v", field, err)
				continue
			}
			data, _ := io.ReadAll(f)
			f.Close()
			if string(data) != field+"-bytes" {
				t.Errorf("unexpected %s payload %q", field, data)
			}
			if hdr.Header.Get("Content-Type") != "image/jpeg" {
				t.Errorf("unexpected %s content type %q", field, hdr.Header.Get("Content-Type"))
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"baseline": {
				"image": "aW1n",
				"analysis": {"fact_bomb": "legs for days", "user_heads": 7.2, "model_heads": 8.0},
				"debug_user": "dQ==",
				"debug_model": "bQ=="
			},
			"meta": {"user_ratios": {"head_stat_ratio": 0.138}, "model_ratios": {"head_stat_ratio": 0.125}}
		}`))
	})

	resp, err := client.ProcessBaseline(context.Background(), BaselineRequest{
		User:     Image{Data: []byte("user_image-bytes"), ContentType: "image/jpeg"},
		Model:    Image{Data: []byte("model_image-bytes"), ContentType: "image/jpeg"},
		Language: "ko",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.Baseline.Image) != "img" {
		t.Fatalf("unexpected image %q", resp.Baseline.Image)
	}
	if resp.Baseline.Analysis.UserHeads != 7.2 || resp.Baseline.Analysis.ModelHeads != 8.0 {
		t.Fatalf("unexpected analysis %+v", resp.Baseline.Analysis)
	}
	if string(resp.Baseline.DebugUser) != "u" || string(resp.Baseline.DebugModel) != "m" {
		t.Fatalf("unexpected debug images")
	}
	if resp.Meta.UserRatios["head_stat_ratio"] != 0.138 {
		t.Fatalf("unexpected meta %+v", resp.Meta)
	}
}

func TestProcessBaselineDoesNotTrustFailureBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"baseline": {"analysis": {"fact_bomb": "should be ignored"}}}`))
	})

	resp, err := client.ProcessBaseline(context.Background(), BaselineRequest{})
	if err == nil {
		t.Fatal("expected failure")
	}
	if resp != nil {
		t.Fatalf("expected no response on failure, got %+v", resp)
	}
}

func TestProcessActiveSendsModeFields(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/process-ai" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		want := map[string]string{
			"mode":              "lab",
			"lab_flow":          "exp_b",
			"language":          "en",
			"user_ratios_json":  `{"head_stat_ratio":0.138}`,
			"model_ratios_json": `{"head_stat_ratio":0.125}`,
		}
		for k, v := range want {
			if got := r.FormValue(k); got != v {
				t.Errorf("field %s = %q, want %q", k, got, v)
			}
		}
		_, _ = w.Write([]byte(`{"active": {"image": null, "analysis": {"fact_bomb": "text only", "user_heads": 7.2, "model_heads": 8.0}}}`))
	})

	resp, err := client.ProcessActive(context.Background(), ActiveRequest{
		Mode:            "lab",
		Language:        "en",
		ExtraFields:     map[string]string{"lab_flow": "exp_b"},
		UserRatiosJSON:  `{"head_stat_ratio":0.138}`,
		ModelRatiosJSON: `{"head_stat_ratio":0.125}`,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Active.Image != nil {
		t.Fatalf("expected nil image, got %q", resp.Active.Image)
	}
	if resp.Active.Analysis.FactBomb != "text only" {
		t.Fatalf("unexpected analysis %+v", resp.Active.Analysis)
	}
}

func TestRatiosHeads(t *testing.T) {
	if got := (Ratios{"head_stat_ratio": 0.125}).Heads(); got != 8.0 {
		t.Fatalf("expected 8.0 heads, got %v", got)
	}
	if got := (Ratios{}).Heads(); got != 6.7 {
		t.Fatalf("expected default 6.7 heads, got %v", got)
	}
}
