package ledger

import (
	"context"

	"go.uber.org/zap"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	WalletID       WalletID
	UserID         UserID
	EntryType      EntryType
	Amount         AmountCents
	IdempotencyKey IdempotencyKey
	Reference      Reference
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithIDGenerator overrides the uuid generator used for wallet and entry ids.
func WithIDGenerator(generator func() string) ServiceOption {
	return func(service *Service) {
		if generator != nil {
			service.newID = generator
		}
	}
}

// ZapOperationLogger writes operation logs through zap.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger adapts a zap logger; a nil logger discards output.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

// LogOperation emits one structured line per operation.
func (zapLogger *ZapOperationLogger) LogOperation(_ context.Context, entry OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("wallet_id", entry.WalletID.String()),
	}
	if entry.UserID.String() != "" {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if entry.EntryType != "" {
		fields = append(fields,
			zap.String("entry_type", entry.EntryType.String()),
			zap.Int64("amount_cents", entry.Amount.Int64()),
			zap.String("idempotency_key", entry.IdempotencyKey.String()),
		)
	}
	if !entry.Reference.IsZero() {
		fields = append(fields, zap.String("reference", entry.Reference.String()))
	}
	if entry.Error != nil {
		zapLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	zapLogger.logger.Info("ledger operation", fields...)
}

type operationLoggers []OperationLogger

// CombineOperationLoggers fans one operation out to several loggers, skipping nil ones.
func CombineOperationLoggers(loggers ...OperationLogger) OperationLogger {
	combined := make(operationLoggers, 0, len(loggers))
	for _, logger := range loggers {
		if logger != nil {
			combined = append(combined, logger)
		}
	}
	return combined
}

func (loggers operationLoggers) LogOperation(ctx context.Context, entry OperationLog) {
	for _, logger := range loggers {
		logger.LogOperation(ctx, entry)
	}
}
