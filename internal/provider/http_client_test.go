package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const (
	testAccessToken = "test-token"
	approvedPayment = `{"id": 123456789, "status": "approved", "status_detail": "accredited",
		"transaction_amount": 150.75, "currency_id": "brl", "external_reference": "intent-1",
		"payment_method_id": "visa", "captured": true, "payer": {"id": 42},
		"metadata": {"booking_id": "B1", "attempt": 2}, "date_approved": "2026-01-10T12:30:00.000-03:00"}`
)

func newTestClient(test *testing.T, handler http.HandlerFunc, config HTTPConfig) *HTTPClient {
	test.Helper()
	server := httptest.NewServer(handler)
	test.Cleanup(server.Close)
	config.BaseURL = server.URL
	config.AccessToken = testAccessToken
	if config.RetryBaseDelay == 0 {
		config.RetryBaseDelay = time.Millisecond
	}
	client, err := NewHTTPClient(config, nil, nil)
	if err != nil {
		test.Fatalf("new client: %v", err)
	}
	return client
}

func TestFetchPaymentParsesProviderPayload(test *testing.T) {
	test.Parallel()
	client := newTestClient(test, func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/v1/payments/123456789" || request.Method != http.MethodGet {
			test.Errorf("unexpected request %s %s", request.Method, request.URL.Path)
		}
		if request.Header.Get("Authorization") != "Bearer "+testAccessToken {
			test.Errorf("missing bearer token")
		}
		_, _ = io.WriteString(writer, approvedPayment)
	}, HTTPConfig{})

	payment, err := client.FetchPayment(context.Background(), "123456789")
	if err != nil {
		test.Fatalf("fetch: %v", err)
	}
	if payment.ID != "123456789" || payment.Status != StatusApproved || payment.AmountCents != 15075 {
		test.Fatalf("unexpected payment: %+v", payment)
	}
	if payment.Currency != "BRL" || payment.PayerID != "42" || payment.ExternalReference != "intent-1" {
		test.Fatalf("unexpected payment fields: %+v", payment)
	}
	if payment.Metadata["booking_id"] != "B1" || payment.Metadata["attempt"] != "2" {
		test.Fatalf("unexpected metadata: %v", payment.Metadata)
	}
	if payment.ApprovedAt.IsZero() || payment.ApprovedAt.Hour() != 15 {
		test.Fatalf("unexpected approval time: %v", payment.ApprovedAt)
	}
}

func TestFetchPaymentNotFound(test *testing.T) {
	test.Parallel()
	client := newTestClient(test, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusNotFound)
	}, HTTPConfig{})
	if _, err := client.FetchPayment(context.Background(), "missing"); !errors.Is(err, ErrPaymentNotFound) {
		test.Fatalf("expected not found, got %v", err)
	}
}

func TestFetchPaymentRetriesTransientStatus(test *testing.T) {
	test.Parallel()
	var calls atomic.Int32
	client := newTestClient(test, func(writer http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			writer.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(writer, approvedPayment)
	}, HTTPConfig{MaxRetries: 2})

	payment, err := client.FetchPayment(context.Background(), "123456789")
	if err != nil {
		test.Fatalf("expected retry to succeed, got %v", err)
	}
	if payment.Status != StatusApproved || calls.Load() != 2 {
		test.Fatalf("unexpected result after %d calls: %+v", calls.Load(), payment)
	}
}

func TestFetchPaymentPersistentFailureIsTransient(test *testing.T) {
	test.Parallel()
	var calls atomic.Int32
	client := newTestClient(test, func(writer http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writer.WriteHeader(http.StatusInternalServerError)
	}, HTTPConfig{MaxRetries: 2})

	if _, err := client.FetchPayment(context.Background(), "123"); !errors.Is(err, ErrTransientProvider) {
		test.Fatalf("expected transient error, got %v", err)
	}
	if calls.Load() != 3 {
		test.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestCircuitBreakerStopsCallingProvider(test *testing.T) {
	test.Parallel()
	var calls atomic.Int32
	client := newTestClient(test, func(writer http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writer.WriteHeader(http.StatusBadGateway)
	}, HTTPConfig{MaxRetries: 0, BreakerFailures: 2, BreakerWindow: 2, BreakerDelay: time.Minute})

	for attempt := 0; attempt < 2; attempt++ {
		if _, err := client.FetchPayment(context.Background(), "123"); !errors.Is(err, ErrTransientProvider) {
			test.Fatalf("attempt %d: expected transient error, got %v", attempt, err)
		}
	}
	if !client.BreakerOpen() {
		test.Fatalf("expected breaker to open")
	}
	if _, err := client.FetchPayment(context.Background(), "123"); !errors.Is(err, ErrTransientProvider) {
		test.Fatalf("expected transient error while open, got %v", err)
	}
	if calls.Load() != 2 {
		test.Fatalf("expected open breaker to short-circuit, got %d calls", calls.Load())
	}
}

func TestSearchPaymentByIdempotencyKey(test *testing.T) {
	test.Parallel()
	client := newTestClient(test, func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Query().Get("external_reference") == "retry-1:2" {
			_, _ = io.WriteString(writer, `{"results": [`+approvedPayment+`]}`)
			return
		}
		_, _ = io.WriteString(writer, `{"results": []}`)
	}, HTTPConfig{})

	payment, err := client.SearchPayment(context.Background(), "retry-1:2")
	if err != nil || payment.Status != StatusApproved {
		test.Fatalf("expected approved payment, got %+v %v", payment, err)
	}
	if _, err := client.SearchPayment(context.Background(), "retry-1:3"); !errors.Is(err, ErrPaymentNotFound) {
		test.Fatalf("expected not found, got %v", err)
	}
}

func TestChargeStoredMethodSendsIdempotencyKey(test *testing.T) {
	test.Parallel()
	client := newTestClient(test, func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPost || request.Header.Get("X-Idempotency-Key") != "retry-1:1" {
			test.Errorf("unexpected request %s key %q", request.Method, request.Header.Get("X-Idempotency-Key"))
		}
		var body map[string]any
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			test.Errorf("decode body: %v", err)
		}
		if body["transaction_amount"] != 25.0 || body["token"] != "card-token" || body["external_reference"] != "retry-1:1" {
			test.Errorf("unexpected body: %v", body)
		}
		writer.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(writer, `{"id": "p-9", "status": "approved", "transaction_amount": "25.00"}`)
	}, HTTPConfig{})

	payment, err := client.ChargeStoredMethod(context.Background(), ChargeRequest{
		IdempotencyKey:     "retry-1:1",
		AmountCents:        2500,
		Currency:           "BRL",
		PaymentMethodToken: "card-token",
	})
	if err != nil {
		test.Fatalf("charge: %v", err)
	}
	if payment.ID != "p-9" || payment.AmountCents != 2500 {
		test.Fatalf("unexpected payment: %+v", payment)
	}
}

func TestChargeOutcomeClassification(test *testing.T) {
	test.Parallel()
	const (
		caseBadGateway   = "bad gateway is unknown outcome"
		caseRateLimited  = "rate limited is transient"
		caseBadRequest   = "bad request is rejected"
		caseApprovedBody = "created is returned"
	)
	testCases := []struct {
		name        string
		statusCode  int
		expectedErr error
	}{
		{name: caseBadGateway, statusCode: http.StatusBadGateway, expectedErr: ErrUnknownOutcome},
		{name: caseRateLimited, statusCode: http.StatusTooManyRequests, expectedErr: ErrTransientProvider},
		{name: caseBadRequest, statusCode: http.StatusBadRequest, expectedErr: ErrRequestRejected},
		{name: caseApprovedBody, statusCode: http.StatusCreated},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			var calls atomic.Int32
			client := newTestClient(test, func(writer http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				writer.WriteHeader(testCase.statusCode)
				_, _ = io.WriteString(writer, `{"id": "p-1", "status": "rejected", "status_detail": "cc_rejected_insufficient_amount", "transaction_amount": 10}`)
			}, HTTPConfig{MaxRetries: 3})
			payment, err := client.ChargeStoredMethod(context.Background(), ChargeRequest{
				IdempotencyKey:     "key",
				AmountCents:        1000,
				PaymentMethodToken: "token",
			})
			if testCase.expectedErr == nil {
				if err != nil || !payment.IsRecoverableRejection() {
					test.Fatalf("expected recoverable rejection, got %+v %v", payment, err)
				}
			} else if !errors.Is(err, testCase.expectedErr) {
				test.Fatalf("expected %v, got %v", testCase.expectedErr, err)
			}
			if calls.Load() != 1 {
				test.Fatalf("writes must not be retried, got %d calls", calls.Load())
			}
		})
	}
}

func TestChargeTimeoutIsUnknownOutcome(test *testing.T) {
	test.Parallel()
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		select {
		case <-release:
		case <-request.Context().Done():
		}
	}))
	test.Cleanup(func() {
		close(release)
		server.Close()
	})
	client, err := NewHTTPClient(HTTPConfig{BaseURL: server.URL, Timeout: 50 * time.Millisecond}, nil, nil)
	if err != nil {
		test.Fatalf("new client: %v", err)
	}
	_, err = client.ChargeStoredMethod(context.Background(), ChargeRequest{
		IdempotencyKey:     "key",
		AmountCents:        1000,
		PaymentMethodToken: "token",
	})
	if !errors.Is(err, ErrUnknownOutcome) {
		test.Fatalf("expected unknown outcome, got %v", err)
	}
}

func TestAcceptedWriteWithUnreadableBodyIsUnknownOutcome(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		body string
	}{
		{name: "truncated json", body: `{"id": 991, "status": "appro`},
		{name: "html error page", body: `<html>upstream reset</html>`},
		{name: "missing id", body: `{"status": "approved", "transaction_amount": 10, "amount": 10}`},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			client := newTestClient(test, func(writer http.ResponseWriter, _ *http.Request) {
				writer.WriteHeader(http.StatusOK)
				_, _ = io.WriteString(writer, testCase.body)
			}, HTTPConfig{})

			_, err := client.ChargeStoredMethod(context.Background(), ChargeRequest{
				IdempotencyKey:     "retry-1:1",
				AmountCents:        1000,
				PaymentMethodToken: "token",
			})
			if !errors.Is(err, ErrUnknownOutcome) || errors.Is(err, ErrRequestRejected) {
				test.Fatalf("charge: expected unknown outcome only, got %v", err)
			}
			_, err = client.CreateTransfer(context.Background(), TransferRequest{
				IdempotencyKey: "payout:P9",
				AmountCents:    1000,
				Destination:    "owner-account",
			})
			if !errors.Is(err, ErrUnknownOutcome) || errors.Is(err, ErrRequestRejected) {
				test.Fatalf("transfer: expected unknown outcome only, got %v", err)
			}
		})
	}
}

func TestTransfers(test *testing.T) {
	test.Parallel()
	client := newTestClient(test, func(writer http.ResponseWriter, request *http.Request) {
		switch request.URL.Path {
		case "/v1/transfers":
			_, _ = io.WriteString(writer, `{"id": 77, "status": "in_process", "amount": 12.34, "external_reference": "payout:P1"}`)
		case "/v1/transfers/search":
			if request.URL.Query().Get("external_reference") == "payout:P1" {
				_, _ = io.WriteString(writer, `{"results": [{"id": 77, "status": "approved", "amount": 12.34, "external_reference": "payout:P1"}]}`)
				return
			}
			_, _ = io.WriteString(writer, `{"results": []}`)
		default:
			writer.WriteHeader(http.StatusNotFound)
		}
	}, HTTPConfig{})

	created, err := client.CreateTransfer(context.Background(), TransferRequest{
		IdempotencyKey: "payout:P1",
		AmountCents:    1234,
		Destination:    "owner-account",
	})
	if err != nil || created.Status != TransferPending || created.AmountCents != 1234 {
		test.Fatalf("unexpected created transfer: %+v %v", created, err)
	}
	found, err := client.FindTransfer(context.Background(), "payout:P1")
	if err != nil || found.Status != TransferCompleted || found.ID != "77" {
		test.Fatalf("unexpected found transfer: %+v %v", found, err)
	}
	if _, err := client.FindTransfer(context.Background(), "payout:P2"); !errors.Is(err, ErrTransferNotFound) {
		test.Fatalf("expected transfer not found, got %v", err)
	}
}

func TestNewHTTPClientRequiresBaseURL(test *testing.T) {
	test.Parallel()
	if _, err := NewHTTPClient(HTTPConfig{}, nil, nil); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected invalid config, got %v", err)
	}
}

func TestRecoverableRejection(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		payment     Payment
		recoverable bool
	}{
		{payment: Payment{Status: StatusRejected, StatusDetail: "cc_rejected_insufficient_amount"}, recoverable: true},
		{payment: Payment{Status: StatusRejected, StatusDetail: "cc_rejected_high_risk"}, recoverable: false},
		{payment: Payment{Status: StatusApproved, StatusDetail: "cc_rejected_insufficient_amount"}, recoverable: false},
		{payment: Payment{Status: StatusCancelled, StatusDetail: "cc_rejected_call_for_authorize"}, recoverable: true},
	}
	for index, testCase := range testCases {
		if testCase.payment.IsRecoverableRejection() != testCase.recoverable {
			test.Fatalf("case %d: expected %v", index, testCase.recoverable)
		}
	}
}
