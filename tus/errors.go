package tus

import (
	"errors"
	"fmt"
)

var (
	// ErrResumingNotEnabled is the reason of a ResumeUnavailable result when the client has no Store.
	ErrResumingNotEnabled = errors.New("resuming not enabled for this client")

	// ErrFingerprintNotFound is the reason of a ResumeUnavailable result when the Store has no URL
	// for the upload's fingerprint.
	ErrFingerprintNotFound = errors.New("fingerprint not found in store")

	// ErrPayloadPosition is wrapped by chunk errors after which the payload could not be moved back to
	// the acknowledged offset. The Uploader must not be used for further chunks.
	ErrPayloadPosition = errors.New("payload position lost")
)

// ProtocolError is returned when the server answered but the response breaks the protocol:
// the status code is not 2xx or a required header is missing or invalid.
type ProtocolError struct {
	// Op is the operation which received the response, like "create upload".
	Op string
	// StatusCode is 0 when no status was received.
	StatusCode int
	// Reason is empty when the status code itself is the problem.
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: unexpected status code (%d)", e.Op, e.StatusCode)
	}
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: %s (status code %d)", e.Op, e.Reason, e.StatusCode)
}

// StatusCode returns the status code carried by a ProtocolError in err's chain.
func StatusCode(err error) (int, bool) {
	var protocolErr *ProtocolError
	if errors.As(err, &protocolErr) && protocolErr.StatusCode != 0 {
		return protocolErr.StatusCode, true
	}
	return 0, false
}

// IsResumeUnavailable reports whether err is one of the reasons a resume was not attempted.
func IsResumeUnavailable(err error) bool {
	return errors.Is(err, ErrResumingNotEnabled) || errors.Is(err, ErrFingerprintNotFound)
}
