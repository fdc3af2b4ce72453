package rewards

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/rentalwallet/internal/review"
)

var errItemsDown = errors.New("review store down")

type stubReviewItems struct {
	items map[string]review.Item
	err   error
}

func (stub stubReviewItems) FindItem(_ context.Context, kind review.Kind, subject string) (review.Item, error) {
	if stub.err != nil {
		return review.Item{}, stub.err
	}
	item, ok := stub.items[string(kind)+"/"+subject]
	if !ok {
		return review.Item{}, review.ErrItemNotFound
	}
	return item, nil
}

func TestReviewGate(test *testing.T) {
	test.Parallel()
	items := stubReviewItems{items: map[string]review.Item{
		string(review.KindOwnerFlagged) + "/owner-open":     {Kind: review.KindOwnerFlagged, Subject: "owner-open", Status: review.StatusOpen, Details: map[string]string{"reason": "shared payout account"}},
		string(review.KindOwnerFlagged) + "/owner-bare":     {Kind: review.KindOwnerFlagged, Subject: "owner-bare", Status: review.StatusOpen},
		string(review.KindOwnerFlagged) + "/owner-resolved": {Kind: review.KindOwnerFlagged, Subject: "owner-resolved", Status: review.StatusResolved},
	}}
	gate, err := NewReviewGate(items)
	if err != nil {
		test.Fatalf("gate: %v", err)
	}
	testCases := []struct {
		ownerID      string
		wantEligible bool
		wantReason   string
	}{
		{ownerID: "owner-clean", wantEligible: true},
		{ownerID: "owner-resolved", wantEligible: true},
		{ownerID: "owner-open", wantReason: "shared payout account"},
		{ownerID: "owner-bare", wantReason: reasonOwnerFlagged},
	}
	for _, testCase := range testCases {
		verdict, err := gate.Check(context.Background(), testCase.ownerID, Pool{})
		if err != nil {
			test.Fatalf("%s: %v", testCase.ownerID, err)
		}
		if verdict.Eligible != testCase.wantEligible || verdict.Reason != testCase.wantReason {
			test.Fatalf("%s: got %+v", testCase.ownerID, verdict)
		}
	}

	failing, _ := NewReviewGate(stubReviewItems{err: errItemsDown})
	if _, err := failing.Check(context.Background(), "owner-clean", Pool{}); !errors.Is(err, errItemsDown) {
		test.Fatalf("expected store error, got %v", err)
	}
	if _, err := NewReviewGate(nil); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
