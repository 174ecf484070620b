package normalization

import "fmt"

// ConfigurationError reports a request that cannot be turned into a
// registration, such as LAS input without a reference image.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid normalization configuration: %s: %v", e.Reason, e.Err)
	}
	return "invalid normalization configuration: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// InitializationError reports a failed affine initialization. It is never
// retried with another preset.
type InitializationError struct {
	Err error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("affine initialization failed: %v", e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

// ExhaustedRetriesError is returned when no preset produced an accepted result.
type ExhaustedRetriesError struct {
	// Retries is the number of attempts after the first one.
	Retries int

	Attempts int

	// Last is the failure of the final attempt, nil when there were no presets.
	Last error
}

func (e *ExhaustedRetriesError) Error() string {
	if e.Attempts == 0 {
		return "robust spatial normalization failed: no registration presets to try"
	}
	return fmt.Sprintf("robust spatial normalization failed after %d retries", e.Retries)
}

func (e *ExhaustedRetriesError) Unwrap() error {
	return e.Last
}
