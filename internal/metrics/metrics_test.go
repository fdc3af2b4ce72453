package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger"
)

func TestCountersTrackObservations(test *testing.T) {
	test.Parallel()
	metrics := New()
	metrics.ObserveEscrow("lock", "locked")
	metrics.ObserveEscrow("lock", "locked")
	metrics.ObserveWebhook("applied")
	metrics.ObserveRetry("charge", "succeeded")
	metrics.ObservePayout("completed")
	metrics.LogOperation(context.Background(), ledger.OperationLog{Operation: "apply_entry", EntryType: ledger.EntryDeposit, Status: "ok"})

	if value := testutil.ToFloat64(metrics.escrowOperations.WithLabelValues("lock", "locked")); value != 2 {
		test.Fatalf("expected 2 locks, got %v", value)
	}
	if value := testutil.ToFloat64(metrics.webhookDeliveries.WithLabelValues("applied")); value != 1 {
		test.Fatalf("expected 1 webhook, got %v", value)
	}
	if value := testutil.ToFloat64(metrics.retryAttempts.WithLabelValues("charge", "succeeded")); value != 1 {
		test.Fatalf("expected 1 retry, got %v", value)
	}
	if value := testutil.ToFloat64(metrics.payouts.WithLabelValues("completed")); value != 1 {
		test.Fatalf("expected 1 payout, got %v", value)
	}
	if value := testutil.ToFloat64(metrics.ledgerOperations.WithLabelValues("apply_entry", "deposit", "ok")); value != 1 {
		test.Fatalf("expected 1 ledger operation, got %v", value)
	}
}

func TestHandlerExposesRegistry(test *testing.T) {
	test.Parallel()
	metrics := New()
	metrics.ObserveJob("retry_sweep", "ok", 120*time.Millisecond)

	recorder := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(recorder.Body)
	if !strings.Contains(string(body), `rentalwallet_job_runs_total{job="retry_sweep",outcome="ok"} 1`) {
		test.Fatalf("expected job counter in exposition, got:\n%s", body)
	}
}

func TestInstancesDoNotShareRegistries(test *testing.T) {
	test.Parallel()
	first := New()
	second := New()
	first.ObserveWebhook("rejected")
	if value := testutil.ToFloat64(second.webhookDeliveries.WithLabelValues("rejected")); value != 0 {
		test.Fatalf("expected isolated registries, got %v", value)
	}
}
