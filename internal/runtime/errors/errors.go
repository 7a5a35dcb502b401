package errors

import sterrors "errors"

var (
	ErrConfigRequired       = sterrors.New("identityhistory: configuration is required")
	ErrLoggerRequired       = sterrors.New("identityhistory: logger is required")
	ErrStoreRequired        = sterrors.New("identityhistory: store is required")
	ErrHandlerRequired      = sterrors.New("identityhistory: handler function is required")
	ErrTopicRequired        = sterrors.New("identityhistory: topic is required")
	ErrPublisherRequired    = sterrors.New("identityhistory: publisher is required")
	ErrSubscriberRequired   = sterrors.New("identityhistory: subscriber is required")
	ErrProducerRequired     = sterrors.New("identityhistory: producer is required")
	ErrConsumerClosed       = sterrors.New("identityhistory: consumer is closed")
	ErrReadinessProbeFailed = sterrors.New("identityhistory: readiness probe failed")
	ErrAlreadySubscribed    = sterrors.New("identityhistory: consumer already subscribed")
)

// ConfigValidationError marks a configuration that failed validation at
// startup. It is always fatal.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "identityhistory: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
