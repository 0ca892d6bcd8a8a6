package bentobox

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// SystemError is a base type for errors originating from the BentoBoxSystem.
type SystemError struct {
	BlockNumber uint64
	Err         error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("block %d: %v", e.BlockNumber, e.Err)
}

func (e *SystemError) Unwrap() error {
	return e.Err
}

// RefreshError indicates that a balance refresh could not be completed and
// the previous view was kept.
type RefreshError struct {
	SystemError
	Account common.Address
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("block %d: failed to refresh balances of %s: %v", e.BlockNumber, e.Account.Hex(), e.Err)
}

// TokenError indicates that one token's reads failed within an otherwise
// successful batch.
type TokenError struct {
	SystemError
	Token common.Address
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("block %d: failed to read balances for token %s: %v", e.BlockNumber, e.Token.Hex(), e.Err)
}

// InitializationError indicates a failure to load metadata for a newly
// discovered token.
type InitializationError struct {
	SystemError
	Token common.Address
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("block %d: failed to initialize token %s: %v", e.BlockNumber, e.Token.Hex(), e.Err)
}

// PrunerError indicates a failure during the periodic pruning process.
type PrunerError struct {
	Err   error
	Token common.Address
}

func (e *PrunerError) Error() string {
	return fmt.Sprintf("pruner: failed to process token %s: %v", e.Token.Hex(), e.Err)
}

func (e *PrunerError) Unwrap() error {
	return e.Err
}

// determineErrorType maps an error to the label it is counted under.
func determineErrorType(err error) string {
	var (
		tokenErr   *TokenError
		refreshErr *RefreshError
		initErr    *InitializationError
		prunerErr  *PrunerError
		systemErr  *SystemError
	)
	switch {
	case errors.As(err, &tokenErr):
		return "token"
	case errors.As(err, &refreshErr):
		return "refresh"
	case errors.As(err, &initErr):
		return "initialization"
	case errors.As(err, &prunerErr):
		return "pruner"
	case errors.As(err, &systemErr):
		return "system"
	default:
		return "unknown"
	}
}
