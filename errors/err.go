package errors

import (
	"fmt"
)

var (
	ErrInvalidConfig        = fmt.Errorf("retention: invalid config")
	ErrValidation           = fmt.Errorf("retention: validation failed")
	ErrNotFound             = fmt.Errorf("retention: not found")
	ErrConflict             = fmt.Errorf("retention: version conflict")
	ErrEvaluatorUnavailable = fmt.Errorf("retention: evaluator unavailable")
	ErrQuorumFailure        = fmt.Errorf("retention: quorum failure")
	ErrPersistence          = fmt.Errorf("retention: persistence failure")
	ErrInternal             = fmt.Errorf("retention: internal error")
)
