// Package errors provides structured error handling for the probat runtime.
//
// Every failure kind is contained at the boundary where it happens and
// converted to a safe default (control or cache miss). The codes exist so
// that boundary can log and trace what was swallowed.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeInvalidArgument marks caller mistakes caught at construction time.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// CodeNetworkFailure covers non-2xx responses, transport errors and
	// malformed payloads from the experimentation service.
	CodeNetworkFailure Code = "NETWORK_FAILURE"

	// CodeStorageFailure covers unavailable or corrupt persistent stores.
	CodeStorageFailure Code = "STORAGE_FAILURE"

	// CodeCodeAdaptationFailure covers variant code that cannot be adapted,
	// executed, or lacks the expected export.
	CodeCodeAdaptationFailure Code = "CODE_ADAPTATION_FAILURE"

	// CodeMetricDeliveryFailure covers metric posts that did not land.
	CodeMetricDeliveryFailure Code = "METRIC_DELIVERY_FAILURE"
)

// Degraded reports whether the code belongs to a failure class that is
// silently converted to a safe default.
func (c Code) Degraded() bool {
	switch c {
	case CodeNetworkFailure, CodeStorageFailure, CodeCodeAdaptationFailure, CodeMetricDeliveryFailure:
		return true
	default:
		return false
	}
}
