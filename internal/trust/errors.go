package trust

import (
	"errors"
	"fmt"

	"github.com/roach88/reach/internal/ir"
)

var (
	ErrRegistryMismatch = errors.New("registry snapshot mismatch")
	ErrPolicyMismatch   = errors.New("policy version mismatch")
	ErrSnapshotTampered = errors.New("advertised snapshot does not match its hash")
	ErrSignature        = errors.New("invalid handshake signature")
	ErrReplay           = errors.New("handshake replay")
	ErrUnknownChallenge = errors.New("unknown or already answered challenge")
	ErrExpired          = errors.New("challenge expired")
	ErrIdentity         = errors.New("peer identity mismatch")
	ErrLevelTooHigh     = errors.New("determinism level not supported")
)

func refuse(cause error, format string, args ...any) error {
	return &ir.Error{
		Code:    ir.ErrCodeSecurityViolation,
		Message: fmt.Sprintf(format, args...),
		Err:     cause,
	}
}
