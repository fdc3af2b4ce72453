package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	signatureTimestampField = "ts"
	signatureHashField      = "v1"
	millisecondThreshold    = 1_000_000_000_000
)

// Verifier checks the provider's HMAC signature header.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier builds a Verifier. A zero tolerance disables the timestamp freshness check.
func NewVerifier(secret string, tolerance time.Duration, now func() time.Time) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("%w: webhook secret is empty", ErrInvalidConfig)
	}
	if tolerance < 0 {
		return nil, fmt.Errorf("%w: negative signature tolerance", ErrInvalidConfig)
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{secret: []byte(secret), tolerance: tolerance, now: now}, nil
}

// Verify checks header against the manifest built from the notification's data id and request id.
func (verifier *Verifier) Verify(dataID string, requestID string, header string) error {
	if strings.TrimSpace(header) == "" || strings.TrimSpace(requestID) == "" {
		return ErrMissingSignature
	}
	fields := parseSignatureHeader(header)
	timestamp, provided := fields[signatureTimestampField], fields[signatureHashField]
	if timestamp == "" || provided == "" {
		return fmt.Errorf("%w: header lacks ts or v1", ErrSignatureInvalid)
	}
	providedBytes, err := hex.DecodeString(strings.ToLower(provided))
	if err != nil {
		return fmt.Errorf("%w: v1 is not hex", ErrSignatureInvalid)
	}
	expected := computeSignature(verifier.secret, manifest(dataID, requestID, timestamp))
	if !hmac.Equal(providedBytes, expected) {
		return fmt.Errorf("%w: mismatch", ErrSignatureInvalid)
	}
	if verifier.tolerance > 0 {
		signedAt, err := parseSignatureTime(timestamp)
		if err != nil {
			return err
		}
		skew := verifier.now().Sub(signedAt)
		if skew < 0 {
			skew = -skew
		}
		if skew > verifier.tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", ErrSignatureInvalid)
		}
	}
	return nil
}

// Sign renders a signature header for dataID and requestID at signedAt.
func Sign(secret string, dataID string, requestID string, signedAt time.Time) string {
	timestamp := strconv.FormatInt(signedAt.Unix(), 10)
	signature := computeSignature([]byte(secret), manifest(dataID, requestID, timestamp))
	return signatureTimestampField + "=" + timestamp + "," + signatureHashField + "=" + hex.EncodeToString(signature)
}

func manifest(dataID string, requestID string, timestamp string) string {
	return "id:" + strings.ToLower(strings.TrimSpace(dataID)) + ";request-id:" + strings.TrimSpace(requestID) + ";ts:" + timestamp + ";"
}

func computeSignature(secret []byte, message string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	return mac.Sum(nil)
}

func parseSignatureHeader(header string) map[string]string {
	fields := map[string]string{}
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key != "" && value != "" {
			fields[key] = value
		}
	}
	return fields
}

func parseSignatureTime(raw string) (time.Time, error) {
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: ts is not numeric", ErrSignatureInvalid)
	}
	if value > millisecondThreshold {
		return time.UnixMilli(value), nil
	}
	return time.Unix(value, 0), nil
}
