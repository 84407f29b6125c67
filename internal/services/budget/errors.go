package budget

import (
	"errors"
	"fmt"
)

var (
	ErrUserNotFound     = errors.New("user budget not found")
	ErrStoreUnavailable = errors.New("budget store unavailable")
	ErrInvalidArgument  = errors.New("invalid argument")
)

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// storeError classifies a store failure. Not-found passes through, anything
// else is reported as ErrStoreUnavailable.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUserNotFound) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound)
}
