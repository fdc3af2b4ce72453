package ledger

const (
	operationApplyEntry    = "apply_entry"
	operationOpenWallet    = "open_wallet"
	operationVerifyBalance = "verify_balance"

	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusReplayed = "replayed"

	idempotencyKeyDelimiter = ":"

	defaultListLimit = 50
	maxListLimit     = 200

	currencyCodeLength = 3
)
