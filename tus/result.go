package tus

// Outcome tells how Client.Resume or Client.ResumeOrCreate obtained an Uploader.
type Outcome int

const (
	// ResumeUnavailable means no resume was attempted, Result.Reason says why.
	ResumeUnavailable Outcome = iota
	// Created means a new upload was created on the server.
	Created
	// Resumed means an existing upload was found and its offset fetched from the server.
	Resumed
)

func (o Outcome) String() string {
	switch o {
	case ResumeUnavailable:
		return "resume unavailable"
	case Created:
		return "created"
	case Resumed:
		return "resumed"
	default:
		return "unknown"
	}
}

// Result is the outcome of a resume attempt.
type Result struct {
	Outcome Outcome
	// Uploader is nil for ResumeUnavailable.
	Uploader *Uploader
	// Reason is ErrResumingNotEnabled or wraps ErrFingerprintNotFound when resuming was not possible.
	// A Created result keeps the reason of the preceding resume attempt.
	Reason error
}
