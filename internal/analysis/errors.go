package analysis

import (
	"errors"
	"fmt"
)

var (
	ErrFilesMissing      = errors.New("contract files missing")
	ErrTooManyFiles      = errors.New("too many contract files")
	ErrFileTooLarge      = errors.New("contract file too large")
	ErrUnsupportedType   = errors.New("unsupported contract file type")
	ErrPolicyViolation   = errors.New("contract file rejected by upload policy")
	ErrUploadFailed      = errors.New("contract page upload failed")
	ErrMalformedEnvelope = errors.New("malformed workflow output")
	ErrIDExhausted       = errors.New("no free contract id")
)

type FileTooLargeError struct {
	Index int
	Size  int64
}

func (e *FileTooLargeError) Error() string {
	return fmt.Sprintf("page %d: %d bytes exceeds %d: %v", e.Index, e.Size, MaxPageSize, ErrFileTooLarge)
}

func (e *FileTooLargeError) Is(target error) bool {
	return target == ErrFileTooLarge
}

type UnsupportedTypeError struct {
	Index       int
	ContentType string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("page %d: %q: %v", e.Index, e.ContentType, ErrUnsupportedType)
}

func (e *UnsupportedTypeError) Is(target error) bool {
	return target == ErrUnsupportedType
}

// UploadError reports the first page whose put failed. Index is 1-based.
type UploadError struct {
	Index int
	Key   string
	Err   error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload page %d (%s): %v", e.Index, e.Key, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

func (e *UploadError) Is(target error) bool {
	return target == ErrUploadFailed
}

// SubmissionError is returned by Service.Submit. State is the step that
// failed; StorageKeys lists the keys that may have been written.
type SubmissionError struct {
	State       State
	ContractID  string
	StorageKeys []string
	Err         error
}

func (e *SubmissionError) Error() string {
	if e.ContractID == "" {
		return fmt.Sprintf("submission failed in %s: %v", e.State, e.Err)
	}
	return fmt.Sprintf("submission %s failed in %s: %v", e.ContractID, e.State, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err rejects the client's input rather than
// signalling a processing failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrFilesMissing) ||
		errors.Is(err, ErrTooManyFiles) ||
		errors.Is(err, ErrFileTooLarge) ||
		errors.Is(err, ErrUnsupportedType) ||
		errors.Is(err, ErrPolicyViolation)
}
