package errs

import "errors"

// Error kinds surfaced by the payment service. Synchronous entry points
// return NotFound/Validation for the HTTP layer to translate; webhook
// reconciliation returns these so the caller can log the kind and still
// acknowledge the delivery.
var (
	ErrNotFound       = errors.New("not found")
	ErrValidation     = errors.New("validation failed")
	ErrMalformedEvent = errors.New("malformed event")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
