package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/granule-access/api/internal/domain"
	"github.com/granule-access/api/internal/services"
)

type stubSystemService struct {
	report services.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

var _ services.SystemService = (*stubSystemService)(nil)

func TestHealthzReportsBuild(t *testing.T) {
	started := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	h := NewHealthHandlers(
		WithHealthBuildInfo(services.BuildInfo{Version: "2024.03.1", CommitSHA: "f00dbabe", Environment: "uat", StartedAt: started}),
		WithHealthClock(func() time.Time { return started.Add(2*time.Minute + 400*time.Millisecond) }),
	)

	rr := httptest.NewRecorder()
	h.Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var body healthPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := healthPayload{
		Status:      domain.HealthStatusOK,
		Version:     "2024.03.1",
		CommitSHA:   "f00dbabe",
		Environment: "uat",
		Uptime:      "2m0s",
		Timestamp:   "2024-03-01T08:02:00Z",
	}
	if body != want {
		t.Fatalf("unexpected payload %+v", body)
	}
}

func TestReadyz(t *testing.T) {
	checked := time.Date(2024, 3, 1, 8, 5, 0, 0, time.UTC)
	cases := []struct {
		name    string
		svc     services.SystemService
		status  int
		details []string
	}{
		{
			name: "healthy",
			svc: &stubSystemService{report: services.SystemHealthReport{
				Status:      domain.HealthStatusOK,
				GeneratedAt: checked,
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusOK, Latency: 12 * time.Millisecond, CheckedAt: checked},
					"pubsub":    {Status: domain.HealthStatusOK, CheckedAt: checked},
				},
			}},
			status: http.StatusOK,
		},
		{
			name: "degraded dependencies listed in name order",
			svc: &stubSystemService{report: services.SystemHealthReport{
				Status: domain.HealthStatusDegraded,
				Checks: map[string]domain.SystemHealthCheck{
					"storage":       {Status: domain.HealthStatusDegraded, Error: "bucket forbidden"},
					"firestore":     {Status: domain.HealthStatusOK},
					"secretManager": {Status: domain.HealthStatusError, Error: "context deadline exceeded"},
				},
			}},
			status:  http.StatusServiceUnavailable,
			details: []string{"secretManager: context deadline exceeded", "storage: bucket forbidden"},
		},
		{
			name:   "report error",
			svc:    &stubSystemService{err: errors.New("health checks unavailable")},
			status: http.StatusServiceUnavailable,
		},
		{
			name:   "no service",
			status: http.StatusServiceUnavailable,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHealthHandlers(WithHealthSystemService(tc.svc), WithHealthClock(func() time.Time { return checked }))
			if tc.svc == nil {
				h = NewHealthHandlers()
			}
			rr := httptest.NewRecorder()
			h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}

			stub, ok := tc.svc.(*stubSystemService)
			if !ok || stub.err != nil {
				return
			}
			var body readinessPayload
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(body.Checks) != len(stub.report.Checks) {
				t.Fatalf("expected %d checks, got %v", len(stub.report.Checks), body.Checks)
			}
			if len(body.Details) != len(tc.details) {
				t.Fatalf("expected details %v, got %v", tc.details, body.Details)
			}
			for i := range tc.details {
				if body.Details[i] != tc.details[i] {
					t.Fatalf("expected details %v, got %v", tc.details, body.Details)
				}
			}
			if tc.status == http.StatusOK {
				fs := body.Checks["firestore"]
				if fs.LatencyMS != 12 || fs.CheckedAt != "2024-03-01T08:05:00Z" {
					t.Fatalf("unexpected firestore check %+v", fs)
				}
			}
		})
	}
}
