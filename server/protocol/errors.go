package protocol

import "errors"

// errors for parsing and response building
var (
	ErrInvalid    = errors.New("invalid request")
	ErrIncomplete = errors.New("incomplete request")
	ErrTooLarge   = errors.New("request too large")
	ErrInternal   = errors.New("parser in unknown state")
	ErrOverflow   = errors.New("response does not fit write buffer")
)

// StatusOf maps a parse error to the status code of its error response
func StatusOf(err error) int {
	switch {
	case errors.Is(err, ErrInvalid):
		return 400
	case errors.Is(err, ErrTooLarge):
		return 413
	}
	return 500
}
