package payment

import "errors"

var (
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrReferenceConflict means the payment already carries a different
	// gateway reference, or the reference belongs to another payment.
	ErrReferenceConflict = errors.New("payment reference conflict")
	ErrIntentInProgress  = errors.New("payment intent request already in progress")
)
