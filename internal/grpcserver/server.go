// Package grpcserver exposes the internal Ledger API over gRPC with structpb.Struct bodies.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/MarkoPoloResearchLab/rentalwallet/internal/escrow"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/webhook"
	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "rentalwallet.ledger.v1.LedgerService"

	MethodLock                 = "Lock"
	MethodLockRentalAndDeposit = "LockRentalAndDeposit"
	MethodUnlock               = "Unlock"
	MethodCapture              = "Capture"
	MethodGetBalance           = "GetBalance"
	MethodListTransactions     = "ListTransactions"
	MethodOpenBookingPayment   = "OpenBookingPayment"

	fieldUserID        = "user_id"
	fieldBookingID     = "booking_id"
	fieldAmountCents   = "amount_cents"
	fieldDepositCents  = "deposit_cents"
	fieldLimit         = "limit"
	fieldBeforeUnixUTC = "before_unix_utc"
	fieldCurrency      = "currency"
	fieldMethodToken   = "payment_method_token"
	fieldPreauth       = "preauthorization"

	errorInsufficientFunds   = "insufficient_funds"
	errorWalletNotFound      = "wallet_not_found"
	errorDuplicateEntry      = "duplicate_entry"
	errorIntentExists        = "intent_exists"
	errorBookingsDisabled    = "booking_payments_disabled"
	errorEntrySettled        = "entry_settled"
	errorRateLimited         = "rate_limited"
	errorLimiterUnavailable  = "limiter_unavailable"
	errorInvalidUserID       = "invalid_user_id"
	errorInvalidAmount       = "invalid_amount_cents"
	errorInvalidListLimit    = "invalid_list_limit"
	errorInvalidRequest      = "invalid_request"
	errorInvalidField        = "invalid_field"
	errorInternal            = "internal"
	maxSafeIntegerInFloat64  = 1 << 53
	defaultListEntriesLimit  = 50
	maxListEntriesLimit      = 200
	serviceDescriptorFileRef = "rentalwallet/ledger/v1/ledger.proto"
)

var errInvalidField = fmt.Errorf("%w: invalid request field", ledger.ErrValidation)

// Escrow is the part of escrow.Manager the server depends on.
type Escrow interface {
	Lock(ctx context.Context, userID ledger.UserID, bookingID string, amount ledger.PositiveAmountCents) (escrow.LockResult, error)
	LockRentalAndDeposit(ctx context.Context, userID ledger.UserID, bookingID string, rentalAmount ledger.PositiveAmountCents, deposit ledger.AmountCents) (escrow.LockResult, error)
	Unlock(ctx context.Context, bookingID string) (escrow.SettleResult, error)
	Capture(ctx context.Context, bookingID string) (escrow.SettleResult, error)
}

// Ledger is the read side of ledger.Service the server depends on.
type Ledger interface {
	WalletForUser(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error)
	ListTransactions(ctx context.Context, filter ledger.EntryFilter) ([]ledger.Entry, error)
}

// BookingIntents registers checkout payments before the renter is sent to the provider.
type BookingIntents interface {
	OpenBookingIntent(ctx context.Context, request webhook.BookingIntentRequest) (webhook.BookingIntent, error)
}

// LedgerServiceServer is the server API for the Ledger service.
type LedgerServiceServer interface {
	Lock(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	LockRentalAndDeposit(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Unlock(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Capture(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ListTransactions(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	OpenBookingPayment(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

// LedgerServer implements LedgerServiceServer over escrow and ledger services.
type LedgerServer struct {
	escrow   Escrow
	ledger   Ledger
	bookings BookingIntents
	logger   *zap.Logger
}

// ServerOption configures a LedgerServer.
type ServerOption func(*LedgerServer)

// WithBookingIntents enables OpenBookingPayment.
func WithBookingIntents(bookings BookingIntents) ServerOption {
	return func(server *LedgerServer) {
		server.bookings = bookings
	}
}

// NewLedgerServer constructs the gRPC server for the ledger API.
func NewLedgerServer(escrowManager Escrow, ledgerService Ledger, logger *zap.Logger, options ...ServerOption) (*LedgerServer, error) {
	if escrowManager == nil || ledgerService == nil {
		return nil, errors.New("grpcserver: escrow and ledger are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &LedgerServer{escrow: escrowManager, ledger: ledgerService, logger: logger}
	for _, option := range options {
		option(server)
	}
	return server, nil
}

// Register attaches the Ledger service to a grpc.Server.
func Register(registrar grpc.ServiceRegistrar, server LedgerServiceServer) {
	registrar.RegisterService(&ledgerServiceDesc, server)
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodLock, Handler: unaryHandler(MethodLock, LedgerServiceServer.Lock)},
		{MethodName: MethodLockRentalAndDeposit, Handler: unaryHandler(MethodLockRentalAndDeposit, LedgerServiceServer.LockRentalAndDeposit)},
		{MethodName: MethodUnlock, Handler: unaryHandler(MethodUnlock, LedgerServiceServer.Unlock)},
		{MethodName: MethodCapture, Handler: unaryHandler(MethodCapture, LedgerServiceServer.Capture)},
		{MethodName: MethodGetBalance, Handler: unaryHandler(MethodGetBalance, LedgerServiceServer.GetBalance)},
		{MethodName: MethodListTransactions, Handler: unaryHandler(MethodListTransactions, LedgerServiceServer.ListTransactions)},
		{MethodName: MethodOpenBookingPayment, Handler: unaryHandler(MethodOpenBookingPayment, LedgerServiceServer.OpenBookingPayment)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: serviceDescriptorFileRef,
}

type unaryMethod func(LedgerServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(structpb.Struct)
		if err := decode(request); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(server.(LedgerServiceServer), ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: server, FullMethod: FullMethod(method)}
		return interceptor(ctx, request, info, func(ctx context.Context, request any) (any, error) {
			return call(server.(LedgerServiceServer), ctx, request.(*structpb.Struct))
		})
	}
}

// FullMethod returns the gRPC path of a Ledger service method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func (server *LedgerServer) Lock(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, server.mapToGRPCError(MethodLock, err)
	}
	amount, err := positiveAmountField(request, fieldAmountCents)
	if err != nil {
		return nil, server.mapToGRPCError(MethodLock, err)
	}
	result, err := server.escrow.Lock(ctx, userID, stringField(request, fieldBookingID), amount)
	if err != nil {
		return nil, server.mapToGRPCError(MethodLock, err)
	}
	return server.respond(MethodLock, lockResponse(result))
}

func (server *LedgerServer) LockRentalAndDeposit(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, server.mapToGRPCError(MethodLockRentalAndDeposit, err)
	}
	amount, err := positiveAmountField(request, fieldAmountCents)
	if err != nil {
		return nil, server.mapToGRPCError(MethodLockRentalAndDeposit, err)
	}
	deposit, err := integerField(request, fieldDepositCents)
	if err != nil {
		return nil, server.mapToGRPCError(MethodLockRentalAndDeposit, err)
	}
	depositCents, err := ledger.NewAmountCents(deposit)
	if err != nil {
		return nil, server.mapToGRPCError(MethodLockRentalAndDeposit, err)
	}
	result, err := server.escrow.LockRentalAndDeposit(ctx, userID, stringField(request, fieldBookingID), amount, depositCents)
	if err != nil {
		return nil, server.mapToGRPCError(MethodLockRentalAndDeposit, err)
	}
	return server.respond(MethodLockRentalAndDeposit, lockResponse(result))
}

func (server *LedgerServer) Unlock(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	result, err := server.escrow.Unlock(ctx, stringField(request, fieldBookingID))
	if err != nil {
		return nil, server.mapToGRPCError(MethodUnlock, err)
	}
	return server.respond(MethodUnlock, settleResponse(result))
}

func (server *LedgerServer) Capture(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	result, err := server.escrow.Capture(ctx, stringField(request, fieldBookingID))
	if err != nil {
		return nil, server.mapToGRPCError(MethodCapture, err)
	}
	return server.respond(MethodCapture, settleResponse(result))
}

func (server *LedgerServer) GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, server.mapToGRPCError(MethodGetBalance, err)
	}
	wallet, err := server.ledger.WalletForUser(ctx, userID)
	if err != nil {
		return nil, server.mapToGRPCError(MethodGetBalance, err)
	}
	return server.respond(MethodGetBalance, balanceFields(wallet.Balance()))
}

func (server *LedgerServer) ListTransactions(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, server.mapToGRPCError(MethodListTransactions, err)
	}
	limit, err := integerField(request, fieldLimit)
	if err != nil {
		return nil, server.mapToGRPCError(MethodListTransactions, err)
	}
	normalizedLimit, err := normalizeListLimit(limit)
	if err != nil {
		return nil, server.mapToGRPCError(MethodListTransactions, err)
	}
	before, err := integerField(request, fieldBeforeUnixUTC)
	if err != nil {
		return nil, server.mapToGRPCError(MethodListTransactions, err)
	}
	wallet, err := server.ledger.WalletForUser(ctx, userID)
	if err != nil {
		return nil, server.mapToGRPCError(MethodListTransactions, err)
	}
	entries, err := server.ledger.ListTransactions(ctx, ledger.EntryFilter{
		WalletID:      wallet.WalletID,
		BeforeUnixUTC: before,
		Limit:         normalizedLimit,
	})
	if err != nil {
		return nil, server.mapToGRPCError(MethodListTransactions, err)
	}
	return server.respond(MethodListTransactions, map[string]any{
		"wallet_id": wallet.WalletID.String(),
		"entries":   entryList(entries),
	})
}

// OpenBookingPayment records a booking checkout payment. The returned intent_id is the external
// reference the checkout hands to the provider.
func (server *LedgerServer) OpenBookingPayment(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	if server.bookings == nil {
		return nil, status.Error(codes.Unimplemented, errorBookingsDisabled)
	}
	amount, err := positiveAmountField(request, fieldAmountCents)
	if err != nil {
		return nil, server.mapToGRPCError(MethodOpenBookingPayment, err)
	}
	intent, err := server.bookings.OpenBookingIntent(ctx, webhook.BookingIntentRequest{
		BookingID:          stringField(request, fieldBookingID),
		RenterID:           stringField(request, fieldUserID),
		AmountCents:        amount,
		Currency:           stringField(request, fieldCurrency),
		PaymentMethodToken: stringField(request, fieldMethodToken),
		Preauthorization:   request.GetFields()[fieldPreauth].GetBoolValue(),
	})
	if err != nil {
		return nil, server.mapToGRPCError(MethodOpenBookingPayment, err)
	}
	return server.respond(MethodOpenBookingPayment, map[string]any{
		"intent_id":      intent.IntentID,
		fieldBookingID:   intent.BookingID,
		fieldUserID:      intent.RenterID,
		fieldAmountCents: intent.AmountCents.Int64(),
		fieldCurrency:    intent.Currency,
		fieldPreauth:     intent.Preauthorization,
		"status":         string(intent.Status),
	})
}

func (server *LedgerServer) respond(method string, fields map[string]any) (*structpb.Struct, error) {
	response, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, server.mapToGRPCError(method, err)
	}
	return response, nil
}

func normalizeListLimit(limit int64) (int, error) {
	if limit <= 0 {
		return defaultListEntriesLimit, nil
	}
	if limit > maxListEntriesLimit {
		return 0, fmt.Errorf("%w: limit exceeds maximum: %d > %d", ledger.ErrInvalidListLimit, limit, maxListEntriesLimit)
	}
	return int(limit), nil
}

func stringField(request *structpb.Struct, name string) string {
	value, ok := request.GetFields()[name]
	if !ok {
		return ""
	}
	return strings.TrimSpace(value.GetStringValue())
}

// integerField reads an optional whole number; absent fields are zero.
func integerField(request *structpb.Struct, name string) (int64, error) {
	value, ok := request.GetFields()[name]
	if !ok {
		return 0, nil
	}
	number, isNumber := value.GetKind().(*structpb.Value_NumberValue)
	if !isNumber {
		return 0, fmt.Errorf("%w: %s must be a number", errInvalidField, name)
	}
	raw := number.NumberValue
	if raw != math.Trunc(raw) || math.Abs(raw) > maxSafeIntegerInFloat64 {
		return 0, fmt.Errorf("%w: %s must be a whole number", errInvalidField, name)
	}
	return int64(raw), nil
}

func positiveAmountField(request *structpb.Struct, name string) (ledger.PositiveAmountCents, error) {
	raw, err := integerField(request, name)
	if err != nil {
		return 0, err
	}
	return ledger.NewPositiveAmountCents(raw)
}

func lockResponse(result escrow.LockResult) map[string]any {
	return map[string]any{
		fieldBookingID: result.BookingID,
		"replayed":     result.Replayed,
		"locked_cents": result.LockedCents().Int64(),
		"balance":      balanceFields(result.Balance),
		"entries":      entryList(result.Entries),
	}
}

func settleResponse(result escrow.SettleResult) map[string]any {
	return map[string]any{
		fieldBookingID: result.BookingID,
		"noop":         result.Noop,
		"entries":      entryList(result.Entries),
	}
}

func balanceFields(balance ledger.Balance) map[string]any {
	credits := make(map[string]any, len(balance.Credits))
	for bucket, amount := range balance.Credits {
		credits[bucket.String()] = amount.Int64()
	}
	return map[string]any{
		"wallet_id":                balance.WalletID.String(),
		"currency":                 balance.Currency.String(),
		"available_cents":          balance.AvailableCents.Int64(),
		"locked_cents":             balance.LockedCents.Int64(),
		"specialized_credit_cents": balance.SpecializedCreditCents.Int64(),
		"total_cents":              balance.TotalCents.Int64(),
		"credits":                  credits,
	}
}

func entryList(entries []ledger.Entry) []any {
	list := make([]any, 0, len(entries))
	for _, entry := range entries {
		fields := map[string]any{
			"entry_id":         entry.EntryID.String(),
			"wallet_id":        entry.WalletID.String(),
			"type":             entry.Type.String(),
			"amount_cents":     entry.Amount.Int64(),
			"status":           entry.Status.String(),
			"idempotency_key":  entry.IdempotencyKey.String(),
			"metadata_json":    entry.Metadata.String(),
			"created_unix_utc": entry.CreatedUnixUTC,
		}
		if entry.Direction != ledger.DirectionNone {
			fields["direction"] = string(entry.Direction)
		}
		if entry.CreditBucket != "" {
			fields["credit_bucket"] = entry.CreditBucket.String()
		}
		if !entry.Reference.IsZero() {
			fields["reference"] = entry.Reference.String()
		}
		list = append(list, fields)
	}
	return list
}

func (server *LedgerServer) mapToGRPCError(method string, source error) error {
	var rateLimitError *escrow.RateLimitError
	if errors.As(source, &rateLimitError) {
		rateLimited := status.New(codes.ResourceExhausted, errorRateLimited)
		detailed, err := rateLimited.WithDetails(&errdetails.RetryInfo{RetryDelay: durationpb.New(rateLimitError.RetryAfter)})
		if err != nil {
			return rateLimited.Err()
		}
		return detailed.Err()
	}
	switch {
	case errors.Is(source, escrow.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, errorRateLimited)
	case errors.Is(source, ledger.ErrInvalidUserID):
		return status.Error(codes.InvalidArgument, errorInvalidUserID)
	case errors.Is(source, ledger.ErrInvalidAmountCents):
		return status.Error(codes.InvalidArgument, errorInvalidAmount)
	case errors.Is(source, ledger.ErrInvalidListLimit):
		return status.Error(codes.InvalidArgument, errorInvalidListLimit)
	case errors.Is(source, errInvalidField):
		return status.Error(codes.InvalidArgument, errorInvalidField)
	case errors.Is(source, ledger.ErrValidation):
		return status.Error(codes.InvalidArgument, errorInvalidRequest)
	case errors.Is(source, ledger.ErrInsufficientFunds):
		return status.Error(codes.FailedPrecondition, errorInsufficientFunds)
	case errors.Is(source, ledger.ErrEntrySettled):
		return status.Error(codes.FailedPrecondition, errorEntrySettled)
	case errors.Is(source, ledger.ErrWalletNotFound):
		return status.Error(codes.NotFound, errorWalletNotFound)
	case errors.Is(source, ledger.ErrDuplicateEntry):
		return status.Error(codes.AlreadyExists, errorDuplicateEntry)
	case errors.Is(source, webhook.ErrIntentExists):
		return status.Error(codes.AlreadyExists, errorIntentExists)
	case errors.Is(source, escrow.ErrLimiterUnavailable):
		return status.Error(codes.Unavailable, errorLimiterUnavailable)
	}
	server.logger.Error("ledger rpc failed", zap.String("method", method), zap.Error(source))
	return status.Error(codes.Internal, errorInternal)
}
