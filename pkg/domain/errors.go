package domain

import "errors"

// Sentinel errors for the error taxonomy. Call sites wrap these with
// fmt.Errorf("%w: ...") and the API layer maps them to HTTP statuses
// with errors.Is.
var (
	ErrValidation      = errors.New("validation failed")
	ErrFileValidation  = errors.New("file validation failed")
	ErrAuthentication  = errors.New("authentication failed")
	ErrInvalidToken    = errors.New("invalid token")
	ErrAuthorization   = errors.New("not authorized")
	ErrNotFound        = errors.New("not found")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrPromptInjection = errors.New("prompt injection detected")
	ErrExternalService = errors.New("external service unavailable")
	ErrQueue           = errors.New("queue operation failed")
	ErrParsing         = errors.New("document parsing failed")
	ErrChunking        = errors.New("text chunking failed")
	ErrInternal        = errors.New("internal error")
)

// Kind returns the wire name of the taxonomy bucket err belongs to.
// Unrecognized errors fall into the internal bucket.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrFileValidation):
		return "file-validation"
	case errors.Is(err, ErrAuthentication):
		return "authentication"
	case errors.Is(err, ErrInvalidToken):
		return "invalid-token"
	case errors.Is(err, ErrAuthorization):
		return "authorization"
	case errors.Is(err, ErrNotFound):
		return "not-found"
	case errors.Is(err, ErrRateLimited):
		return "rate-limit"
	case errors.Is(err, ErrPromptInjection):
		return "prompt-injection"
	case errors.Is(err, ErrExternalService):
		return "external-service"
	case errors.Is(err, ErrQueue):
		return "queue"
	case errors.Is(err, ErrParsing):
		return "parsing"
	case errors.Is(err, ErrChunking):
		return "chunking"
	default:
		return "internal"
	}
}
