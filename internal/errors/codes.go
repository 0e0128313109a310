package errors

// ErrorCode represents a machine-readable error identifier for client error handling.
type ErrorCode string

// Validation errors (request input validation).
const (
	ErrCodeMissingField     ErrorCode = "missing_field"
	ErrCodeInvalidField     ErrorCode = "invalid_field"
	ErrCodeInvalidAmount    ErrorCode = "invalid_amount"
	ErrCodeAmountTooSmall   ErrorCode = "amount_below_minimum"
	ErrCodeInvalidXPub      ErrorCode = "invalid_xpub"
	ErrCodeInvalidURL       ErrorCode = "invalid_url"
	ErrCodeInvalidOrderID   ErrorCode = "invalid_order_id"
	ErrCodeInvalidMetadata  ErrorCode = "invalid_metadata"
	ErrCodeBodyTooLarge     ErrorCode = "body_too_large"
	ErrCodeMalformedRequest ErrorCode = "malformed_request"
)

// Authentication and authorization errors.
const (
	ErrCodeMissingAPIKey ErrorCode = "missing_api_key"
	ErrCodeInvalidAPIKey ErrorCode = "invalid_api_key"
	ErrCodeNotOwner      ErrorCode = "not_owner"
	ErrCodeInvalidToken  ErrorCode = "invalid_subscription_token"
)

// Resource and state errors.
const (
	ErrCodeMerchantNotFound  ErrorCode = "merchant_not_found"
	ErrCodeSessionNotFound   ErrorCode = "session_not_found"
	ErrCodeDeliveryNotFound  ErrorCode = "delivery_not_found"
	ErrCodeInvalidTransition ErrorCode = "invalid_transition"
	ErrCodeSessionExpired    ErrorCode = "session_expired"
	ErrCodeDuplicateEmail    ErrorCode = "duplicate_email"
)

// Rate limiting.
const (
	ErrCodeRateLimited ErrorCode = "rate_limited"
)

// Upstream and internal errors.
const (
	ErrCodeNodeUnavailable    ErrorCode = "node_unavailable"
	ErrCodeIndexerUnavailable ErrorCode = "indexer_unavailable"
	ErrCodeInternalError      ErrorCode = "internal_error"
	ErrCodeDatabaseError      ErrorCode = "database_error"
)

// IsRetryable returns whether an error code represents a retryable condition.
// Only transient upstream failures are retryable; validation and state errors are not.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeNodeUnavailable, ErrCodeIndexerUnavailable:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidAmount,
		ErrCodeAmountTooSmall,
		ErrCodeInvalidXPub,
		ErrCodeInvalidURL,
		ErrCodeInvalidOrderID,
		ErrCodeInvalidMetadata,
		ErrCodeMalformedRequest:
		return 400

	case ErrCodeMissingAPIKey,
		ErrCodeInvalidAPIKey,
		ErrCodeInvalidToken:
		return 401

	case ErrCodeNotOwner:
		return 403

	case ErrCodeMerchantNotFound,
		ErrCodeSessionNotFound,
		ErrCodeDeliveryNotFound:
		return 404

	case ErrCodeInvalidTransition,
		ErrCodeSessionExpired,
		ErrCodeDuplicateEmail:
		return 409

	case ErrCodeBodyTooLarge:
		return 413

	case ErrCodeRateLimited:
		return 429

	case ErrCodeNodeUnavailable,
		ErrCodeIndexerUnavailable:
		return 502

	default:
		return 500
	}
}
