package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger"
)

const (
	headerAuthorization  = "Authorization"
	headerIdempotencyKey = "X-Idempotency-Key"
	headerContentType    = "Content-Type"
	contentTypeJSON      = "application/json"

	paymentsPath        = "/v1/payments"
	paymentsSearchPath  = "/v1/payments/search"
	transfersPath       = "/v1/transfers"
	transfersSearchPath = "/v1/transfers/search"

	maxResponseBytes = 1 << 20
	errorBodySnippet = 256
)

// HTTPConfig configures HTTPClient. Zero values take defaults.
type HTTPConfig struct {
	BaseURL         string
	AccessToken     string
	Timeout         time.Duration
	MaxRetries      int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	BreakerFailures uint
	BreakerWindow   uint
	BreakerDelay    time.Duration
}

func (config HTTPConfig) withDefaults() HTTPConfig {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = 100 * time.Millisecond
	}
	if config.RetryMaxDelay <= config.RetryBaseDelay {
		config.RetryMaxDelay = 2 * config.RetryBaseDelay
	}
	if config.BreakerWindow == 0 {
		config.BreakerWindow = 10
	}
	if config.BreakerFailures == 0 || config.BreakerFailures > config.BreakerWindow {
		config.BreakerFailures = (config.BreakerWindow + 1) / 2
	}
	if config.BreakerDelay <= 0 {
		config.BreakerDelay = 15 * time.Second
	}
	return config
}

type response struct {
	statusCode int
	body       []byte
}

// HTTPClient implements Client over the provider's REST API. Reads are retried with backoff;
// writes pass only through the circuit breaker and rely on the idempotency key for safe replays.
type HTTPClient struct {
	baseURL       string
	accessToken   string
	httpClient    *http.Client
	readExecutor  failsafe.Executor[response]
	writeExecutor failsafe.Executor[response]
	breaker       circuitbreaker.CircuitBreaker[response]
	logger        *zap.Logger
}

// NewHTTPClient builds an HTTPClient. A nil httpClient gets one with the configured timeout.
func NewHTTPClient(config HTTPConfig, httpClient *http.Client, logger *zap.Logger) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidConfig)
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("%w: base url: %v", ErrInvalidConfig, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	breaker := circuitbreaker.NewBuilder[response]().
		WithFailureThresholdRatio(config.BreakerFailures, config.BreakerWindow).
		WithDelay(config.BreakerDelay).
		WithSuccessThreshold(1).
		HandleIf(func(result response, err error) bool {
			return err != nil || result.statusCode >= http.StatusInternalServerError
		}).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			logger.Warn("provider circuit breaker state change",
				zap.String("from_state", breakerStateName(event.OldState)),
				zap.String("to_state", breakerStateName(event.NewState)))
		}).
		Build()
	retry := retrypolicy.NewBuilder[response]().
		WithBackoff(config.RetryBaseDelay, config.RetryMaxDelay).
		WithMaxRetries(config.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(result response, err error) bool {
			return err != nil || isRetryableStatus(result.statusCode)
		}).
		Build()

	return &HTTPClient{
		baseURL:       baseURL,
		accessToken:   config.AccessToken,
		httpClient:    httpClient,
		readExecutor:  failsafe.With[response](retry, breaker),
		writeExecutor: failsafe.With[response](breaker),
		breaker:       breaker,
		logger:        logger,
	}, nil
}

// BreakerOpen reports whether the provider circuit is currently open.
func (client *HTTPClient) BreakerOpen() bool {
	return client.breaker.IsOpen()
}

// FetchPayment reads a payment by provider id.
func (client *HTTPClient) FetchPayment(ctx context.Context, paymentID string) (Payment, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return Payment{}, fmt.Errorf("%w: empty payment id", ErrRequestRejected)
	}
	result, err := client.read(ctx, paymentsPath+"/"+url.PathEscape(paymentID), nil)
	if err != nil {
		return Payment{}, err
	}
	if result.statusCode == http.StatusNotFound {
		return Payment{}, fmt.Errorf("%w: %s", ErrPaymentNotFound, paymentID)
	}
	var payload paymentPayload
	if err := decodeBody(result, &payload); err != nil {
		return Payment{}, err
	}
	return payload.toPayment()
}

// SearchPayment finds the newest payment created with idempotencyKey as external reference.
func (client *HTTPClient) SearchPayment(ctx context.Context, idempotencyKey string) (Payment, error) {
	query := url.Values{}
	query.Set("external_reference", idempotencyKey)
	query.Set("sort", "date_created")
	query.Set("criteria", "desc")
	result, err := client.read(ctx, paymentsSearchPath, query)
	if err != nil {
		return Payment{}, err
	}
	var payload struct {
		Results []paymentPayload `json:"results"`
	}
	if err := decodeBody(result, &payload); err != nil {
		return Payment{}, err
	}
	if len(payload.Results) == 0 {
		return Payment{}, fmt.Errorf("%w: external reference %s", ErrPaymentNotFound, idempotencyKey)
	}
	return payload.Results[0].toPayment()
}

// ChargeStoredMethod creates a captured payment on a stored payment method.
func (client *HTTPClient) ChargeStoredMethod(ctx context.Context, request ChargeRequest) (Payment, error) {
	if strings.TrimSpace(request.IdempotencyKey) == "" || strings.TrimSpace(request.PaymentMethodToken) == "" {
		return Payment{}, fmt.Errorf("%w: idempotency key and payment method token are required", ErrRequestRejected)
	}
	body := chargePayload{
		TransactionAmount: centsToNumber(request.AmountCents),
		CurrencyID:        request.Currency,
		Token:             request.PaymentMethodToken,
		ExternalReference: request.IdempotencyKey,
		Description:       request.Description,
		Capture:           true,
		Metadata:          request.Metadata,
	}
	body.Payer.ID = request.PayerID
	result, err := client.write(ctx, paymentsPath, request.IdempotencyKey, body)
	if err != nil {
		return Payment{}, err
	}
	var payload paymentPayload
	if err := decodeWritten(result, paymentsPath, &payload); err != nil {
		return Payment{}, err
	}
	payment, err := payload.toPayment()
	if err != nil {
		return Payment{}, fmt.Errorf("%w: POST %s: %v", ErrUnknownOutcome, paymentsPath, err)
	}
	return payment, nil
}

// CreateTransfer sends money to an owner's destination account.
func (client *HTTPClient) CreateTransfer(ctx context.Context, request TransferRequest) (Transfer, error) {
	if strings.TrimSpace(request.IdempotencyKey) == "" || strings.TrimSpace(request.Destination) == "" {
		return Transfer{}, fmt.Errorf("%w: idempotency key and destination are required", ErrRequestRejected)
	}
	body := transferRequestPayload{
		Amount:            centsToNumber(request.AmountCents),
		CurrencyID:        request.Currency,
		ReceiverID:        request.Destination,
		ExternalReference: request.IdempotencyKey,
		Description:       request.Description,
	}
	result, err := client.write(ctx, transfersPath, request.IdempotencyKey, body)
	if err != nil {
		return Transfer{}, err
	}
	var payload transferPayload
	if err := decodeWritten(result, transfersPath, &payload); err != nil {
		return Transfer{}, err
	}
	transfer, err := payload.toTransfer()
	if err != nil {
		return Transfer{}, fmt.Errorf("%w: POST %s: %v", ErrUnknownOutcome, transfersPath, err)
	}
	return transfer, nil
}

// FindTransfer looks a transfer up by the idempotency key it was created with.
func (client *HTTPClient) FindTransfer(ctx context.Context, idempotencyKey string) (Transfer, error) {
	query := url.Values{}
	query.Set("external_reference", idempotencyKey)
	result, err := client.read(ctx, transfersSearchPath, query)
	if err != nil {
		return Transfer{}, err
	}
	var payload struct {
		Results []transferPayload `json:"results"`
	}
	if err := decodeBody(result, &payload); err != nil {
		return Transfer{}, err
	}
	if len(payload.Results) == 0 {
		return Transfer{}, fmt.Errorf("%w: external reference %s", ErrTransferNotFound, idempotencyKey)
	}
	return payload.Results[0].toTransfer()
}

func (client *HTTPClient) read(ctx context.Context, path string, query url.Values) (response, error) {
	target := client.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	result, err := client.readExecutor.WithContext(ctx).Get(func() (response, error) {
		return client.send(ctx, http.MethodGet, target, "", nil)
	})
	if err != nil {
		return response{}, fmt.Errorf("%w: GET %s: %v", ErrTransientProvider, path, err)
	}
	if isRetryableStatus(result.statusCode) {
		return response{}, fmt.Errorf("%w: GET %s: status %d", ErrTransientProvider, path, result.statusCode)
	}
	return result, nil
}

func (client *HTTPClient) write(ctx context.Context, path string, idempotencyKey string, body any) (response, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return response{}, fmt.Errorf("%w: encode body: %v", ErrRequestRejected, err)
	}
	result, err := client.writeExecutor.WithContext(ctx).Get(func() (response, error) {
		return client.send(ctx, http.MethodPost, client.baseURL+path, idempotencyKey, encoded)
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return response{}, fmt.Errorf("%w: POST %s: %v", ErrTransientProvider, path, err)
		}
		return response{}, fmt.Errorf("%w: POST %s: %v", ErrUnknownOutcome, path, err)
	}
	switch {
	case result.statusCode == http.StatusTooManyRequests:
		return response{}, fmt.Errorf("%w: POST %s: status %d", ErrTransientProvider, path, result.statusCode)
	case result.statusCode >= http.StatusInternalServerError:
		return response{}, fmt.Errorf("%w: POST %s: status %d", ErrUnknownOutcome, path, result.statusCode)
	}
	return result, nil
}

func (client *HTTPClient) send(ctx context.Context, method string, target string, idempotencyKey string, body []byte) (response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return response{}, err
	}
	if client.accessToken != "" {
		request.Header.Set(headerAuthorization, "Bearer "+client.accessToken)
	}
	if body != nil {
		request.Header.Set(headerContentType, contentTypeJSON)
	}
	if idempotencyKey != "" {
		request.Header.Set(headerIdempotencyKey, idempotencyKey)
	}
	httpResponse, err := client.httpClient.Do(request)
	if err != nil {
		return response{}, err
	}
	defer httpResponse.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(httpResponse.Body, maxResponseBytes))
	if err != nil {
		return response{}, err
	}
	return response{statusCode: httpResponse.StatusCode, body: payload}, nil
}

func breakerStateName(state circuitbreaker.State) string {
	switch state {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}

func isRetryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError
}

func decodeBody(result response, target any) error {
	if result.statusCode < 200 || result.statusCode >= 300 {
		snippet := string(result.body)
		if len(snippet) > errorBodySnippet {
			snippet = snippet[:errorBodySnippet]
		}
		return fmt.Errorf("%w: status %d: %s", ErrRequestRejected, result.statusCode, snippet)
	}
	if err := json.Unmarshal(result.body, target); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrRequestRejected, err)
	}
	return nil
}

// decodeWritten decodes a write response. An accepted write with an unreadable body may still
// have moved money, so it is an unknown outcome rather than a rejection.
func decodeWritten(result response, path string, target any) error {
	err := decodeBody(result, target)
	if err != nil && result.statusCode >= 200 && result.statusCode < 300 {
		return fmt.Errorf("%w: POST %s: %v", ErrUnknownOutcome, path, err)
	}
	return err
}

func centsToNumber(amount ledger.PositiveAmountCents) json.Number {
	return json.Number(decimal.New(amount.Int64(), -2).StringFixed(2))
}

func decimalToCents(amount decimal.Decimal) (ledger.AmountCents, error) {
	cents := amount.Shift(2).Round(0)
	if cents.IsNegative() {
		return 0, fmt.Errorf("%w: negative amount %s", ErrRequestRejected, amount.String())
	}
	return ledger.AmountCents(cents.IntPart()), nil
}

// flexibleID accepts both numeric and string identifiers.
type flexibleID string

func (id *flexibleID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*id = flexibleID(text)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return err
	}
	*id = flexibleID(number.String())
	return nil
}

type paymentPayload struct {
	ID                flexibleID      `json:"id"`
	Status            string          `json:"status"`
	StatusDetail      string          `json:"status_detail"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	CurrencyID        string          `json:"currency_id"`
	ExternalReference string          `json:"external_reference"`
	PaymentMethodID   string          `json:"payment_method_id"`
	Captured          bool            `json:"captured"`
	Payer             struct {
		ID flexibleID `json:"id"`
	} `json:"payer"`
	Metadata     map[string]any `json:"metadata"`
	DateApproved *time.Time     `json:"date_approved"`
}

func (payload paymentPayload) toPayment() (Payment, error) {
	if payload.ID == "" {
		return Payment{}, fmt.Errorf("%w: payment without id", ErrRequestRejected)
	}
	amount, err := decimalToCents(payload.TransactionAmount)
	if err != nil {
		return Payment{}, err
	}
	payment := Payment{
		ID:                string(payload.ID),
		Status:            PaymentStatus(strings.ToLower(payload.Status)),
		StatusDetail:      payload.StatusDetail,
		AmountCents:       amount,
		Currency:          strings.ToUpper(payload.CurrencyID),
		ExternalReference: payload.ExternalReference,
		PayerID:           string(payload.Payer.ID),
		PaymentMethodID:   payload.PaymentMethodID,
		Captured:          payload.Captured,
		Metadata:          make(map[string]string, len(payload.Metadata)),
	}
	for key, value := range payload.Metadata {
		if value != nil {
			payment.Metadata[key] = fmt.Sprint(value)
		}
	}
	if payload.DateApproved != nil {
		payment.ApprovedAt = payload.DateApproved.UTC()
	}
	return payment, nil
}

type chargePayload struct {
	TransactionAmount json.Number `json:"transaction_amount"`
	CurrencyID        string      `json:"currency_id,omitempty"`
	Token             string      `json:"token"`
	ExternalReference string      `json:"external_reference"`
	Description       string      `json:"description,omitempty"`
	Capture           bool        `json:"capture"`
	Payer             struct {
		ID string `json:"id,omitempty"`
	} `json:"payer"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type transferRequestPayload struct {
	Amount            json.Number `json:"amount"`
	CurrencyID        string      `json:"currency_id,omitempty"`
	ReceiverID        string      `json:"receiver_id"`
	ExternalReference string      `json:"external_reference"`
	Description       string      `json:"description,omitempty"`
}

type transferPayload struct {
	ID                flexibleID      `json:"id"`
	Status            string          `json:"status"`
	StatusDetail      string          `json:"status_detail"`
	Amount            decimal.Decimal `json:"amount"`
	ExternalReference string          `json:"external_reference"`
}

func (payload transferPayload) toTransfer() (Transfer, error) {
	if payload.ID == "" {
		return Transfer{}, fmt.Errorf("%w: transfer without id", ErrRequestRejected)
	}
	amount, err := decimalToCents(payload.Amount)
	if err != nil {
		return Transfer{}, err
	}
	transfer := Transfer{
		ID:             string(payload.ID),
		AmountCents:    amount,
		IdempotencyKey: payload.ExternalReference,
		Status:         TransferPending,
	}
	switch strings.ToLower(payload.Status) {
	case "approved", "completed":
		transfer.Status = TransferCompleted
	case "rejected", "cancelled", "failed":
		transfer.Status = TransferFailed
		transfer.FailureReason = payload.StatusDetail
	}
	return transfer, nil
}
