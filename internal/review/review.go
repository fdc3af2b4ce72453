// Package review keeps the operator queue of cases the system will not resolve on its own.
package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger"
)

// Kind classifies a review item.
type Kind string

const (
	KindChargebackShortfall Kind = "chargeback_shortfall"
	KindUnrecognizedPayment Kind = "unrecognized_payment"
	KindLedgerRejected      Kind = "ledger_rejected"
	KindRetryExhausted      Kind = "retry_exhausted"
	KindFrozenPayout        Kind = "frozen_payout"
	KindPayoutFailed        Kind = "payout_failed"
	KindAmountMismatch      Kind = "amount_mismatch"
	// KindDuplicatePayment is money received for an intent that was already paid or cancelled.
	KindDuplicatePayment Kind = "duplicate_payment"
	// KindStaleHold is a preauthorization the provider still holds past its expected lifetime.
	KindStaleHold Kind = "stale_hold"
	// KindOwnerFlagged is opened by anti-fraud tooling; an open item freezes the owner's payouts.
	KindOwnerFlagged Kind = "owner_flagged"
)

// Status is the lifecycle of an item.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

var (
	ErrItemNotFound = errors.New("review: item not found")
	ErrItemExists   = errors.New("review: item exists")
	ErrItemResolved = errors.New("review: item already resolved")
	ErrInvalidItem  = fmt.Errorf("%w: invalid review item", ledger.ErrValidation)
)

// Item is one case awaiting an operator. Kind and Subject identify it.
type Item struct {
	ID         string
	Kind       Kind
	Subject    string
	Details    map[string]string
	Status     Status
	Resolution string
	CreatedAt  time.Time
	ResolvedAt time.Time
}

// Store persists review items.
type Store interface {
	// CreateItem returns ErrItemExists when an item with the same kind and subject exists.
	CreateItem(ctx context.Context, item Item) error
	FindItem(ctx context.Context, kind Kind, subject string) (Item, error)
	ListItems(ctx context.Context, status Status, limit int) ([]Item, error)
	ResolveItem(ctx context.Context, id string, resolution string, resolvedAt time.Time) error
}

// Queue opens and resolves review items.
type Queue struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewQueue wires a Queue. A nil clock defaults to time.Now.
func NewQueue(store Store, logger *zap.Logger, now func() time.Time) (*Queue, error) {
	if store == nil {
		return nil, errors.New("review: store is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Queue{store: store, logger: logger, now: now}, nil
}

// Open records a case once per kind and subject and returns the stored item on repeats.
func (queue *Queue) Open(ctx context.Context, kind Kind, subject string, details map[string]string) (Item, error) {
	subject = strings.TrimSpace(subject)
	if kind == "" || subject == "" {
		return Item{}, fmt.Errorf("%w: kind and subject are required", ErrInvalidItem)
	}
	item := Item{
		ID:        uuid.NewString(),
		Kind:      kind,
		Subject:   subject,
		Details:   details,
		Status:    StatusOpen,
		CreatedAt: queue.now().UTC(),
	}
	err := queue.store.CreateItem(ctx, item)
	if errors.Is(err, ErrItemExists) {
		return queue.store.FindItem(ctx, kind, subject)
	}
	if err != nil {
		return Item{}, err
	}
	queue.logger.Warn("review item opened",
		zap.String("review_id", item.ID),
		zap.String("kind", string(kind)),
		zap.String("subject", subject))
	return item, nil
}

// Resolve closes an open item.
func (queue *Queue) Resolve(ctx context.Context, id string, resolution string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidItem)
	}
	if err := queue.store.ResolveItem(ctx, id, strings.TrimSpace(resolution), queue.now().UTC()); err != nil {
		return err
	}
	queue.logger.Info("review item resolved", zap.String("review_id", id))
	return nil
}

// ListOpen returns open items oldest first.
func (queue *Queue) ListOpen(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 50
	}
	return queue.store.ListItems(ctx, StatusOpen, limit)
}
