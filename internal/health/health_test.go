package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) result {
	t.Helper()
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func TestHealthzAlwaysOK(t *testing.T) {
	h := New()
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if body := decodeResult(t, rec); body.Status != "ok" {
		t.Errorf("body status = %q, want ok", body.Status)
	}
}

func TestReadyz(t *testing.T) {
	pass := func(_ context.Context) error { return nil }
	tests := []struct {
		name       string
		checkers   []Checker
		wantStatus int
		wantBody   string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantStatus: http.StatusOK,
			wantBody:   "ok",
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "ffmpeg", Check: pass},
				{Name: "engine", Check: pass},
			},
			wantStatus: http.StatusOK,
			wantBody:   "ok",
			wantChecks: map[string]string{"ffmpeg": "ok", "engine": "ok"},
		},
		{
			name: "one failing checker flips the probe",
			checkers: []Checker{
				{Name: "ffmpeg", Check: func(_ context.Context) error {
					return errors.New("ffmpeg not found in PATH")
				}},
				{Name: "engine", Check: pass},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "fail",
			wantChecks: map[string]string{
				"ffmpeg": "fail: ffmpeg not found in PATH",
				"engine": "ok",
			},
		},
		{
			name: "all failing",
			checkers: []Checker{
				{Name: "ffmpeg", Check: func(_ context.Context) error {
					return errors.New("timeout")
				}},
				{Name: "engine", Check: func(_ context.Context) error {
					return errors.New("engine unreachable")
				}},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "fail",
			wantChecks: map[string]string{
				"ffmpeg": "fail: timeout",
				"engine": "fail: engine unreachable",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			New(tt.checkers...).Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			body := decodeResult(t, rec)
			if body.Status != tt.wantBody {
				t.Errorf("body status = %q, want %q", body.Status, tt.wantBody)
			}
			for name, want := range tt.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("check %q = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyzCheckerGetsDeadline(t *testing.T) {
	h := New(Checker{Name: "ffmpeg", Check: func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		return nil
	}})

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d — checker ran without a deadline", rec.Code, http.StatusOK)
	}
}
