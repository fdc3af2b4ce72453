package grpcserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/MarkoPoloResearchLab/rentalwallet/internal/escrow"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/webhook"
	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger"
	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger/ledgertest"
)

const (
	testUserID       = "renter-1"
	testBookingID    = "B1"
	testCurrencyCode = "BRL"
	testFundedCents  = 100000
	bufferSize       = 1 << 20
)

type ledgerClient struct {
	conn *grpc.ClientConn
}

func (client ledgerClient) call(test *testing.T, method string, fields map[string]any) (*structpb.Struct, error) {
	test.Helper()
	request, err := structpb.NewStruct(fields)
	if err != nil {
		test.Fatalf("request: %v", err)
	}
	response := new(structpb.Struct)
	err = client.conn.Invoke(context.Background(), FullMethod(method), request, response)
	return response, err
}

func (client ledgerClient) mustCall(test *testing.T, method string, fields map[string]any) map[string]any {
	test.Helper()
	response, err := client.call(test, method, fields)
	if err != nil {
		test.Fatalf("%s: %v", method, err)
	}
	return response.AsMap()
}

type stubBookings struct {
	mutex    sync.Mutex
	requests map[string]webhook.BookingIntentRequest
}

func (bookings *stubBookings) OpenBookingIntent(_ context.Context, request webhook.BookingIntentRequest) (webhook.BookingIntent, error) {
	bookings.mutex.Lock()
	defer bookings.mutex.Unlock()
	if request.BookingID == "" {
		return webhook.BookingIntent{}, fmt.Errorf("%w: booking id is empty", webhook.ErrInvalidIntent)
	}
	if _, exists := bookings.requests[request.BookingID]; exists {
		return webhook.BookingIntent{}, webhook.ErrIntentExists
	}
	if bookings.requests == nil {
		bookings.requests = map[string]webhook.BookingIntentRequest{}
	}
	bookings.requests[request.BookingID] = request
	return webhook.BookingIntent{
		IntentID:         "intent-" + request.BookingID,
		BookingID:        request.BookingID,
		RenterID:         request.RenterID,
		AmountCents:      request.AmountCents,
		Currency:         testCurrencyCode,
		Status:           webhook.BookingIntentCreated,
		Preauthorization: request.Preauthorization,
	}, nil
}

func newTestClient(test *testing.T, limiter escrow.AttemptLimiter, options ...ServerOption) ledgerClient {
	test.Helper()
	ctx := context.Background()
	store := ledgertest.NewMemoryStore()
	service, err := ledger.NewService(store, func() int64 { return 100 })
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	userID, _ := ledger.NewUserID(testUserID)
	currency, _ := ledger.NewCurrency(testCurrencyCode)
	wallet, err := service.OpenWallet(ctx, userID, currency)
	if err != nil {
		test.Fatalf("open wallet: %v", err)
	}
	key, _ := ledger.NewIdempotencyKey("deposit:seed")
	amount, _ := ledger.NewPositiveAmountCents(testFundedCents)
	if _, err := service.ApplyEntry(ctx, ledger.EntryInput{
		WalletID:       wallet.WalletID,
		Type:           ledger.EntryDeposit,
		Amount:         amount,
		IdempotencyKey: key,
	}); err != nil {
		test.Fatalf("seed: %v", err)
	}
	if limiter == nil {
		limiter = escrow.NewMemoryLimiter(escrow.LimiterConfig{Limit: 100, Window: time.Minute}, nil)
	}
	manager, err := escrow.NewManager(service, limiter)
	if err != nil {
		test.Fatalf("manager: %v", err)
	}
	ledgerServer, err := NewLedgerServer(manager, service, nil, options...)
	if err != nil {
		test.Fatalf("server: %v", err)
	}

	listener := bufconn.Listen(bufferSize)
	grpcServer := grpc.NewServer()
	Register(grpcServer, ledgerServer)
	go func() { _ = grpcServer.Serve(listener) }()
	test.Cleanup(grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		test.Fatalf("dial: %v", err)
	}
	test.Cleanup(func() { _ = conn.Close() })
	return ledgerClient{conn: conn}
}

func balanceOf(test *testing.T, response map[string]any) map[string]any {
	test.Helper()
	balance, ok := response["balance"].(map[string]any)
	if !ok {
		test.Fatalf("expected balance object, got %#v", response["balance"])
	}
	return balance
}

func TestLockAndUnlockOverGRPC(test *testing.T) {
	test.Parallel()
	client := newTestClient(test, nil)

	locked := client.mustCall(test, MethodLock, map[string]any{
		fieldUserID: testUserID, fieldBookingID: testBookingID, fieldAmountCents: 40000,
	})
	if locked["locked_cents"] != float64(40000) || locked["replayed"] != false {
		test.Fatalf("unexpected lock response %v", locked)
	}
	if balanceOf(test, locked)["available_cents"] != float64(60000) {
		test.Fatalf("expected 60000 available, got %v", balanceOf(test, locked))
	}

	replayed := client.mustCall(test, MethodLock, map[string]any{
		fieldUserID: testUserID, fieldBookingID: testBookingID, fieldAmountCents: 40000,
	})
	if replayed["replayed"] != true {
		test.Fatalf("expected replayed lock, got %v", replayed)
	}

	unlocked := client.mustCall(test, MethodUnlock, map[string]any{fieldBookingID: testBookingID})
	if unlocked["noop"] != false {
		test.Fatalf("expected unlock to release funds, got %v", unlocked)
	}

	balance := client.mustCall(test, MethodGetBalance, map[string]any{fieldUserID: testUserID})
	if balance["available_cents"] != float64(testFundedCents) || balance["locked_cents"] != float64(0) {
		test.Fatalf("unexpected balance %v", balance)
	}

	listed := client.mustCall(test, MethodListTransactions, map[string]any{fieldUserID: testUserID, fieldLimit: 10})
	entries, ok := listed["entries"].([]any)
	if !ok || len(entries) != 3 {
		test.Fatalf("expected deposit, lock and unlock entries, got %v", listed["entries"])
	}
}

func TestLockRentalAndDepositOverGRPC(test *testing.T) {
	test.Parallel()
	client := newTestClient(test, nil)

	locked := client.mustCall(test, MethodLockRentalAndDeposit, map[string]any{
		fieldUserID: testUserID, fieldBookingID: testBookingID, fieldAmountCents: 30000, fieldDepositCents: 20000,
	})
	if locked["locked_cents"] != float64(50000) {
		test.Fatalf("expected 50000 locked, got %v", locked["locked_cents"])
	}
	entries, ok := locked["entries"].([]any)
	if !ok || len(entries) != 2 {
		test.Fatalf("expected rental and deposit entries, got %v", locked["entries"])
	}

	captured := client.mustCall(test, MethodCapture, map[string]any{fieldBookingID: testBookingID})
	if captured["noop"] != false {
		test.Fatalf("expected capture, got %v", captured)
	}
	balance := client.mustCall(test, MethodGetBalance, map[string]any{fieldUserID: testUserID})
	if balance["available_cents"] != float64(50000) || balance["locked_cents"] != float64(0) {
		test.Fatalf("unexpected balance after capture %v", balance)
	}
}

func TestErrorCodesOverGRPC(test *testing.T) {
	test.Parallel()
	client := newTestClient(test, nil)

	testCases := []struct {
		name   string
		method string
		fields map[string]any
		code   codes.Code
	}{
		{name: "insufficient funds", method: MethodLock, fields: map[string]any{fieldUserID: testUserID, fieldBookingID: "B2", fieldAmountCents: testFundedCents + 1}, code: codes.FailedPrecondition},
		{name: "invalid amount", method: MethodLock, fields: map[string]any{fieldUserID: testUserID, fieldBookingID: "B3", fieldAmountCents: 0}, code: codes.InvalidArgument},
		{name: "fractional amount", method: MethodLock, fields: map[string]any{fieldUserID: testUserID, fieldBookingID: "B4", fieldAmountCents: 10.5}, code: codes.InvalidArgument},
		{name: "amount as text", method: MethodLock, fields: map[string]any{fieldUserID: testUserID, fieldBookingID: "B5", fieldAmountCents: "100"}, code: codes.InvalidArgument},
		{name: "missing user", method: MethodGetBalance, fields: map[string]any{}, code: codes.InvalidArgument},
		{name: "unknown wallet", method: MethodGetBalance, fields: map[string]any{fieldUserID: "stranger"}, code: codes.NotFound},
		{name: "limit too large", method: MethodListTransactions, fields: map[string]any{fieldUserID: testUserID, fieldLimit: 500}, code: codes.InvalidArgument},
		{name: "missing booking", method: MethodUnlock, fields: map[string]any{}, code: codes.InvalidArgument},
	}
	for _, testCase := range testCases {
		_, err := client.call(test, testCase.method, testCase.fields)
		if status.Code(err) != testCase.code {
			test.Fatalf("%s: expected %s, got %v", testCase.name, testCase.code, err)
		}
	}
}

func TestRateLimitCarriesRetryInfo(test *testing.T) {
	test.Parallel()
	limiter := escrow.NewMemoryLimiter(escrow.LimiterConfig{Limit: 1, Window: time.Minute}, nil)
	client := newTestClient(test, limiter)

	client.mustCall(test, MethodLock, map[string]any{fieldUserID: testUserID, fieldBookingID: "B1", fieldAmountCents: 100})
	_, err := client.call(test, MethodLock, map[string]any{fieldUserID: testUserID, fieldBookingID: "B2", fieldAmountCents: 100})
	if status.Code(err) != codes.ResourceExhausted {
		test.Fatalf("expected ResourceExhausted, got %v", err)
	}
	var retryInfo *errdetails.RetryInfo
	for _, detail := range status.Convert(err).Details() {
		if info, ok := detail.(*errdetails.RetryInfo); ok {
			retryInfo = info
		}
	}
	if retryInfo == nil || retryInfo.GetRetryDelay().AsDuration() <= 0 {
		test.Fatalf("expected a positive retry delay, got %v", retryInfo)
	}
}

func TestOpenBookingPaymentOverGRPC(test *testing.T) {
	test.Parallel()
	bookings := &stubBookings{}
	client := newTestClient(test, nil, WithBookingIntents(bookings))

	opened := client.mustCall(test, MethodOpenBookingPayment, map[string]any{
		fieldUserID: testUserID, fieldBookingID: testBookingID, fieldAmountCents: 45000,
		fieldMethodToken: "card-token", fieldPreauth: true,
	})
	if opened["intent_id"] != "intent-"+testBookingID || opened["status"] != string(webhook.BookingIntentCreated) || opened[fieldPreauth] != true {
		test.Fatalf("unexpected response %v", opened)
	}
	bookings.mutex.Lock()
	recorded := bookings.requests[testBookingID]
	bookings.mutex.Unlock()
	if recorded.RenterID != testUserID || recorded.PaymentMethodToken != "card-token" || recorded.AmountCents != 45000 || !recorded.Preauthorization {
		test.Fatalf("unexpected request %+v", recorded)
	}

	_, err := client.call(test, MethodOpenBookingPayment, map[string]any{
		fieldUserID: testUserID, fieldBookingID: testBookingID, fieldAmountCents: 45000,
	})
	if status.Code(err) != codes.AlreadyExists {
		test.Fatalf("expected AlreadyExists, got %v", err)
	}
	_, err = client.call(test, MethodOpenBookingPayment, map[string]any{fieldUserID: testUserID, fieldAmountCents: 100})
	if status.Code(err) != codes.InvalidArgument {
		test.Fatalf("expected InvalidArgument, got %v", err)
	}
	_, err = client.call(test, MethodOpenBookingPayment, map[string]any{fieldUserID: testUserID, fieldBookingID: "B9"})
	if status.Code(err) != codes.InvalidArgument {
		test.Fatalf("expected InvalidArgument for a missing amount, got %v", err)
	}
}

func TestOpenBookingPaymentDisabledWithoutIntents(test *testing.T) {
	test.Parallel()
	client := newTestClient(test, nil)
	_, err := client.call(test, MethodOpenBookingPayment, map[string]any{
		fieldUserID: testUserID, fieldBookingID: testBookingID, fieldAmountCents: 100,
	})
	if status.Code(err) != codes.Unimplemented {
		test.Fatalf("expected Unimplemented, got %v", err)
	}
}

func TestNewLedgerServerRequiresDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewLedgerServer(nil, nil, nil); err == nil {
		test.Fatalf("expected error for missing dependencies")
	}
}
