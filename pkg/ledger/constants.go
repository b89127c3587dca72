package ledger

import "time"

const (
	operationGrant          = "grant"
	operationDeduct         = "deduct"
	operationApplyPayment   = "apply_payment"
	operationApplyCredits   = "apply_credits"
	operationRefundFailure  = "refund_failure_audit"
	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusReplayed = "replayed"

	// DuplicatePaymentWindow is the interval during which a second payment for the same
	// client and package is rejected.
	DuplicatePaymentWindow = 60 * time.Second

	defaultCurrency   = "USD"
	orderNumberPrefix = "REC"

	noCreditsNoteTemplate  = "[%s] Session completed without deduction: client had no available sessions."
	deductedNoteTemplate   = "[%s] Session credit deducted automatically."
	orphanNoteTemplate     = "[%s] Session completed without deduction: no client found."
	orphanSessionReason    = "user not found for session"
	adminNotesTemplate     = "Admin recovery payment via %s"
	forceAppliedNote       = "Applied to inactive package: %s"
	paymentCreditsNote     = "Manual session credit adjustment"
	refundFailureSubject   = "REFUND_FAILED: Stripe charge captured but session grant failed and refund could not be issued"
	noteTimestampLayout    = "2006-01-02 15:04"
	metadataKeyAdminUserID = "adminUserId"
)
