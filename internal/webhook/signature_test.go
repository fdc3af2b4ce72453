package webhook

import (
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestVerifierAcceptsSignedManifest(test *testing.T) {
	test.Parallel()
	signedAt := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	verifier, err := NewVerifier("secret", 0, nil)
	if err != nil {
		test.Fatalf("new verifier: %v", err)
	}
	header := Sign("secret", "12345678", "request-abc", signedAt)
	if err := verifier.Verify("12345678", "request-abc", header); err != nil {
		test.Fatalf("expected valid signature, got %v", err)
	}
	if !strings.HasPrefix(header, "ts="+strconv.FormatInt(signedAt.Unix(), 10)+",v1=") {
		test.Fatalf("unexpected header format %q", header)
	}
}

func TestVerifierLowercasesDataIDAndToleratesSpacing(test *testing.T) {
	test.Parallel()
	signedAt := time.Unix(1704900000, 0)
	verifier, _ := NewVerifier("secret", 0, nil)
	header := Sign("secret", "abc-def", "request-1", signedAt)
	spaced := strings.ReplaceAll(strings.ReplaceAll(header, "=", " = "), ",", " , ")
	if err := verifier.Verify("ABC-DEF", "request-1", spaced); err != nil {
		test.Fatalf("expected valid signature, got %v", err)
	}
}

func TestVerifierRejections(test *testing.T) {
	test.Parallel()
	signedAt := time.Unix(1704900000, 0)
	verifier, _ := NewVerifier("secret", time.Minute, func() time.Time { return signedAt.Add(30 * time.Second) })
	valid := Sign("secret", "P1", "req-1", signedAt)

	testCases := []struct {
		name      string
		dataID    string
		requestID string
		header    string
		expected  error
	}{
		{name: "empty header", dataID: "P1", requestID: "req-1", header: "", expected: ErrMissingSignature},
		{name: "empty request id", dataID: "P1", requestID: " ", header: valid, expected: ErrMissingSignature},
		{name: "other payment", dataID: "P2", requestID: "req-1", header: valid, expected: ErrSignatureInvalid},
		{name: "other request", dataID: "P1", requestID: "req-2", header: valid, expected: ErrSignatureInvalid},
		{name: "missing ts", dataID: "P1", requestID: "req-1", header: "v1=abcd", expected: ErrSignatureInvalid},
		{name: "non hex", dataID: "P1", requestID: "req-1", header: "ts=1704900000,v1=nothex", expected: ErrSignatureInvalid},
		{name: "stale", dataID: "P1", requestID: "req-1", header: Sign("secret", "P1", "req-1", signedAt.Add(-time.Hour)), expected: ErrSignatureInvalid},
	}
	for _, testCase := range testCases {
		if err := verifier.Verify(testCase.dataID, testCase.requestID, testCase.header); !errors.Is(err, testCase.expected) {
			test.Fatalf("%s: expected %v, got %v", testCase.name, testCase.expected, err)
		}
	}
	if err := verifier.Verify("P1", "req-1", valid); err != nil {
		test.Fatalf("expected signature within tolerance, got %v", err)
	}
}

func TestVerifierAcceptsMillisecondTimestamps(test *testing.T) {
	test.Parallel()
	signedAt := time.UnixMilli(1704900000123)
	verifier, _ := NewVerifier("secret", time.Minute, func() time.Time { return signedAt })
	timestamp := strconv.FormatInt(signedAt.UnixMilli(), 10)
	signature := computeSignature([]byte("secret"), manifest("P1", "req-1", timestamp))
	header := "ts=" + timestamp + ",v1=" + strings.ToUpper(hex.EncodeToString(signature))
	if err := verifier.Verify("P1", "req-1", header); err != nil {
		test.Fatalf("expected millisecond timestamp to verify, got %v", err)
	}
}

func TestNewVerifierValidation(test *testing.T) {
	test.Parallel()
	if _, err := NewVerifier(" ", 0, nil); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected invalid config, got %v", err)
	}
	if _, err := NewVerifier("secret", -time.Second, nil); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected invalid config, got %v", err)
	}
}

func TestParseDelivery(test *testing.T) {
	test.Parallel()
	delivery, err := ParseDelivery([]byte(`{"id":12345,"type":"payment","action":"payment.updated","data":{"id":111222333}}`), "req-1", "sig")
	if err != nil {
		test.Fatalf("parse: %v", err)
	}
	if delivery.NotificationID != "12345" || delivery.DataID != "111222333" || delivery.Type != deliveryTypePayment || delivery.Signature != "sig" {
		test.Fatalf("unexpected delivery: %+v", delivery)
	}

	delivery, err = ParseDelivery([]byte(`{"action":"payment.created","data":{"id":"P1"}}`), "req-2", "")
	if err != nil {
		test.Fatalf("parse: %v", err)
	}
	if delivery.NotificationID != "req-2" || delivery.Type != deliveryTypePayment {
		test.Fatalf("expected request id fallback and derived type, got %+v", delivery)
	}

	for _, body := range []string{`not json`, `{"type":"payment","data":{}}`, `{"type":"payment","data":{"id":"P1"}}`} {
		if _, err := ParseDelivery([]byte(body), "", ""); !errors.Is(err, ErrMalformedDelivery) {
			test.Fatalf("%s: expected malformed delivery, got %v", body, err)
		}
	}
}
