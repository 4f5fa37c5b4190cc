package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/granule-access/api/internal/platform/requestctx"
)

func TestParseCloudTraceContext(t *testing.T) {
	sc, ok := parseCloudTraceContext("105445aa7843bc8bf206b12000100000/1;o=1")
	if !ok {
		t.Fatalf("expected header to parse")
	}
	if sc.TraceID().String() != "105445aa7843bc8bf206b12000100000" {
		t.Fatalf("unexpected trace id %s", sc.TraceID())
	}
	if sc.SpanID().String() != "0000000000000001" || !sc.IsSampled() {
		t.Fatalf("unexpected span context %+v", sc)
	}

	for _, header := range []string{"", "abc/1", "105445aa7843bc8bf206b12000100000/zz", "105445aa7843bc8bf206b12000100000/0"} {
		if _, ok := parseCloudTraceContext(header); ok {
			t.Fatalf("expected %q to be rejected", header)
		}
	}
}

func TestRequestLoggerRecordsRouteAndStatus(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	router := chi.NewRouter()
	router.Use(InjectLoggerMiddleware(zap.New(core)), RequestLoggerMiddleware())
	router.Get("/retrievals/{retrievalID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/retrievals/42", nil))

	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one completion entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["route"] != "/retrievals/{retrievalID}" {
		t.Fatalf("unexpected route %v", fields["route"])
	}
	if fields["status"] != int64(http.StatusForbidden) {
		t.Fatalf("unexpected status %v", fields["status"])
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for 4xx, got %s", entries[0].Level)
	}
}

func TestRecoveryMiddlewareWritesJSONError(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected panic to be logged")
	}
}

func TestEventLoggerPrefersRequestLogger(t *testing.T) {
	fallbackCore, fallbackLogs := observer.New(zapcore.InfoLevel)
	requestCore, requestLogs := observer.New(zapcore.InfoLevel)

	logEvent := EventLogger(zap.New(fallbackCore))
	logEvent(context.Background(), "retrieval.created", map[string]any{"retrievalId": int64(7)})
	ctx := requestctx.WithLogger(context.Background(), zap.New(requestCore))
	logEvent(ctx, "order.lookup_failed", map[string]any{"error": errors.New("timeout")})

	if fallbackLogs.FilterMessage("retrieval.created").Len() != 1 {
		t.Fatalf("expected fallback logger to receive context-free event")
	}
	entries := requestLogs.FilterMessage("order.lookup_failed").All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn entry on request logger, got %+v", entries)
	}
}
