package signal

import "errors"

// Admission rejections. None of them start a trade sequence.
var (
	ErrParse      = errors.New("malformed signal")
	ErrValidation = errors.New("invalid signal field")
	ErrLate       = errors.New("signal arrived after its entry window")
	ErrDuplicate  = errors.New("signal already admitted")
	ErrDrawdown   = errors.New("daily drawdown limit breached")
)
