package reconcile

import "fmt"

// ValidationError ends a reconciliation without retry: the request itself
// cannot succeed, e.g. the TMS reports another driver on the manifest.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// PartialDataError reports that a listing stopped early. The records
// gathered before the failure are still usable.
type PartialDataError struct {
	Stage string
	Pages int
	Err   error
}

func (e *PartialDataError) Error() string {
	return fmt.Sprintf("%s stopped after %d page(s): %v", e.Stage, e.Pages, e.Err)
}

func (e *PartialDataError) Unwrap() error { return e.Err }
