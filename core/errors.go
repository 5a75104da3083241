package core

import "errors"

// Status is the numeric result code surfaced across the embedding boundary.
// Bindings translate engine errors into these codes instead of propagating
// structured errors to the host.
type Status uint8

const (
	StatusOK Status = iota
	StatusError
	StatusNo
	StatusInvalidParams
	StatusInvalidType
	StatusInvalidState
	StatusNotFound
)

// Sentinel errors returned by engine operations. Callers match them with
// errors.Is; wrapping with fmt.Errorf("...: %w", err) preserves the code.
var (
	ErrError         = errors.New("operation failed")
	ErrNo            = errors.New("empty result")
	ErrInvalidParams = errors.New("invalid parameters")
	ErrInvalidType   = errors.New("invalid type")
	ErrInvalidState  = errors.New("invalid state")
	ErrNotFound      = errors.New("not found")
)

// StatusOf maps an error to its boundary status code. A nil error is OK;
// an unrecognised error is a generic ERROR.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrNo):
		return StatusNo
	case errors.Is(err, ErrInvalidParams):
		return StatusInvalidParams
	case errors.Is(err, ErrInvalidType):
		return StatusInvalidType
	case errors.Is(err, ErrInvalidState):
		return StatusInvalidState
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	default:
		return StatusError
	}
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNo:
		return "NO"
	case StatusInvalidParams:
		return "INVALID_PARAMS"
	case StatusInvalidType:
		return "INVALID_TYPE"
	case StatusInvalidState:
		return "INVALID_STATE"
	case StatusNotFound:
		return "NOT_FOUND"
	default:
		return "ERROR"
	}
}
