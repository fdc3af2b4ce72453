package rewards

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/rentalwallet/internal/review"
)

const reasonOwnerFlagged = "owner flagged for review"

// ReviewItems looks up review items by kind and subject.
type ReviewItems interface {
	FindItem(ctx context.Context, kind review.Kind, subject string) (review.Item, error)
}

// ReviewGate freezes owners with an open owner_flagged review item.
type ReviewGate struct {
	items ReviewItems
}

func NewReviewGate(items ReviewItems) (*ReviewGate, error) {
	if items == nil {
		return nil, fmt.Errorf("%w: review items are nil", ErrInvalidConfig)
	}
	return &ReviewGate{items: items}, nil
}

func (gate *ReviewGate) Check(ctx context.Context, ownerID string, _ Pool) (Verdict, error) {
	item, err := gate.items.FindItem(ctx, review.KindOwnerFlagged, ownerID)
	if errors.Is(err, review.ErrItemNotFound) {
		return Verdict{Eligible: true}, nil
	}
	if err != nil {
		return Verdict{}, err
	}
	if item.Status != review.StatusOpen {
		return Verdict{Eligible: true}, nil
	}
	reason := strings.TrimSpace(item.Details["reason"])
	if reason == "" {
		reason = reasonOwnerFlagged
	}
	return Verdict{Reason: reason}, nil
}
