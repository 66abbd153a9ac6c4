package v1

// Error codes carried by TaskError. The retry classifier keys on these.
const (
	CodeNetwork             = "NETWORK_ERROR"
	CodeRateLimited         = "RATE_LIMITED"
	CodeTimeout             = "TIMEOUT"
	CodeProvider            = "PROVIDER_ERROR"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeInvalidResponse     = "INVALID_RESPONSE"
	CodeAuth                = "AUTH_ERROR"
	CodeValidation          = "VALIDATION_ERROR"
	CodeInvalidPayload      = "INVALID_PAYLOAD"
	CodeCancelled           = "CANCELLED"
	CodeInternal            = "INTERNAL_ERROR"
	CodeExecution           = "EXECUTION_ERROR"
	CodeConflict            = "RESOURCE_CONFLICT"
)
