package ledger

import "context"

// IntegrityReport compares a wallet row with the balance replayed from its entries.
type IntegrityReport struct {
	WalletID   WalletID
	Stored     Balance
	Replayed   Balance
	EntryCount int
	Consistent bool
}

// VerifyWalletIntegrity recomputes every bucket from the entry log under the wallet lock.
func (service *Service) VerifyWalletIntegrity(ctx context.Context, walletID WalletID) (IntegrityReport, error) {
	var report IntegrityReport
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		wallet, err := transactionStore.LockWallet(ctx, walletID)
		if err != nil {
			return err
		}
		entries, err := transactionStore.ListEntries(ctx, EntryFilter{WalletID: walletID})
		if err != nil {
			return err
		}
		replayed := Wallet{
			WalletID: wallet.WalletID,
			UserID:   wallet.UserID,
			Currency: wallet.Currency,
			Credits:  map[CreditBucket]AmountCents{},
		}
		var available, locked int64
		credits := map[CreditBucket]int64{}
		for _, entry := range entries {
			delta := entry.delta()
			available += delta.available
			locked += delta.locked
			if delta.credit != 0 {
				credits[entry.CreditBucket] += delta.credit
			}
		}
		replayed.AvailableCents = AmountCents(available)
		replayed.LockedCents = AmountCents(locked)
		for bucket, amount := range credits {
			replayed.Credits[bucket] = AmountCents(amount)
		}
		report = IntegrityReport{
			WalletID:   walletID,
			Stored:     wallet.Balance(),
			Replayed:   replayed.Balance(),
			EntryCount: len(entries),
		}
		report.Consistent = balancesEqual(report.Stored, report.Replayed)
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationVerifyBalance,
		WalletID:  walletID,
		Error:     operationError,
	})
	if operationError != nil {
		return IntegrityReport{}, operationError
	}
	return report, nil
}

func balancesEqual(left Balance, right Balance) bool {
	if left.AvailableCents != right.AvailableCents || left.LockedCents != right.LockedCents {
		return false
	}
	for bucket, amount := range left.Credits {
		if right.Credits[bucket] != amount {
			return false
		}
	}
	for bucket, amount := range right.Credits {
		if left.Credits[bucket] != amount {
			return false
		}
	}
	return true
}
