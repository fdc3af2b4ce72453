package httpapi

import (
	"encoding/json"
	"time"

	"github.com/MarkoPoloResearchLab/rentalwallet/internal/webhook"
	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger"
)

type depositRequest struct {
	AmountCents        int64  `json:"amount_cents"`
	Purpose            string `json:"purpose"`
	Currency           string `json:"currency"`
	PaymentMethodToken string `json:"payment_method_token"`
}

type balancePayload struct {
	WalletID               string           `json:"wallet_id"`
	Currency               string           `json:"currency"`
	AvailableCents         int64            `json:"available_cents"`
	LockedCents            int64            `json:"locked_cents"`
	SpecializedCreditCents int64            `json:"specialized_credit_cents"`
	TotalCents             int64            `json:"total_cents"`
	Credits                map[string]int64 `json:"credits"`
}

func newBalancePayload(balance ledger.Balance) balancePayload {
	credits := make(map[string]int64, len(balance.Credits))
	for bucket, amount := range balance.Credits {
		credits[bucket.String()] = amount.Int64()
	}
	return balancePayload{
		WalletID:               balance.WalletID.String(),
		Currency:               balance.Currency.String(),
		AvailableCents:         balance.AvailableCents.Int64(),
		LockedCents:            balance.LockedCents.Int64(),
		SpecializedCreditCents: balance.SpecializedCreditCents.Int64(),
		TotalCents:             balance.TotalCents.Int64(),
		Credits:                credits,
	}
}

type entryPayload struct {
	EntryID        string          `json:"entry_id"`
	Type           string          `json:"type"`
	AmountCents    int64           `json:"amount_cents"`
	Direction      string          `json:"direction,omitempty"`
	CreditBucket   string          `json:"credit_bucket,omitempty"`
	Reference      string          `json:"reference,omitempty"`
	Status         string          `json:"status"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

func newEntryPayload(entry ledger.Entry) entryPayload {
	payload := entryPayload{
		EntryID:        entry.EntryID.String(),
		Type:           entry.Type.String(),
		AmountCents:    entry.Amount.Int64(),
		Direction:      string(entry.Direction),
		CreditBucket:   entry.CreditBucket.String(),
		Status:         entry.Status.String(),
		Metadata:       json.RawMessage(entry.Metadata.String()),
		CreatedUnixUTC: entry.CreatedUnixUTC,
	}
	if !entry.Reference.IsZero() {
		payload.Reference = entry.Reference.String()
	}
	return payload
}

type depositPayload struct {
	IntentID    string    `json:"intent_id"`
	Purpose     string    `json:"purpose"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

func newDepositPayload(intent webhook.DepositIntent) depositPayload {
	return depositPayload{
		IntentID:    intent.IntentID,
		Purpose:     string(intent.Purpose),
		AmountCents: intent.AmountCents.Int64(),
		Currency:    intent.Currency,
		Status:      string(intent.Status),
		CreatedAt:   intent.CreatedAt.UTC(),
	}
}
