package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) last() OperationLog {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	return logger.entries[len(logger.entries)-1]
}

func TestServiceLogsApplyEntry(test *testing.T) {
	test.Parallel()
	logger := &recorderLogger{}
	service := mustNewService(test, newStubStore(), WithOperationLogger(logger))
	wallet := mustOpenWallet(test, service, "log-user")

	input := depositInput(test, wallet.WalletID, 100, "deposit:log")
	mustApply(test, service, input)
	entry := logger.last()
	if entry.Operation != operationApplyEntry || entry.WalletID != wallet.WalletID || entry.Amount != 100 || entry.IdempotencyKey != input.IdempotencyKey {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Error != nil || entry.Status != operationStatusOK {
		test.Fatalf("expected successful log entry, got %+v", entry)
	}

	mustApply(test, service, input)
	if logger.last().Status != operationStatusReplayed {
		test.Fatalf("expected replayed status, got %+v", logger.last())
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	logger := &recorderLogger{}
	service := mustNewService(test, newStubStore(), WithOperationLogger(logger))
	_, err := service.ApplyEntry(context.Background(), depositInput(test, mustWalletID(test, "missing"), 100, "deposit:missing"))
	if err == nil {
		test.Fatalf("expected error")
	}
	entry := logger.last()
	if entry.Status != operationStatusError || !errors.Is(entry.Error, ErrWalletNotFound) {
		test.Fatalf("expected error log entry, got %+v", entry)
	}
}

func TestZapOperationLogger(test *testing.T) {
	test.Parallel()
	core, recorded := observer.New(zapcore.InfoLevel)
	logger := NewZapOperationLogger(zap.New(core))

	logger.LogOperation(context.Background(), OperationLog{
		Operation:      operationApplyEntry,
		WalletID:       mustWalletID(test, "wallet-zap"),
		EntryType:      EntryLock,
		Amount:         40,
		IdempotencyKey: mustIdempotencyKey(test, "lock:B1"),
		Reference:      mustReference(test, ReferenceBooking, "B1"),
		Status:         operationStatusOK,
	})
	logger.LogOperation(context.Background(), OperationLog{
		Operation: operationApplyEntry,
		Status:    operationStatusError,
		Error:     ErrInsufficientFunds,
	})

	entries := recorded.AllUntimed()
	if len(entries) != 2 {
		test.Fatalf("expected 2 log lines, got %d", len(entries))
	}
	if entries[0].ContextMap()["reference"] != "booking:B1" {
		test.Fatalf("expected reference field, got %v", entries[0].ContextMap())
	}
	if entries[1].Level != zapcore.WarnLevel {
		test.Fatalf("expected warn level for failure, got %s", entries[1].Level)
	}
}

func TestCombineOperationLoggers(test *testing.T) {
	test.Parallel()
	first := &recorderLogger{}
	second := &recorderLogger{}
	combined := CombineOperationLoggers(first, nil, second)
	service := mustNewService(test, newStubStore(), WithOperationLogger(combined))
	wallet := mustOpenWallet(test, service, "combined-user")
	mustApply(test, service, depositInput(test, wallet.WalletID, 100, "deposit:combined"))
	if first.last().Operation != operationApplyEntry || second.last().Operation != operationApplyEntry {
		test.Fatalf("expected both loggers to receive the entry")
	}
}
