package upload

import (
	"fmt"
	"net/http"
)

// MissingETagError means storage accepted a part without returning its ETag.
// The multipart session cannot be completed without it.
type MissingETagError struct {
	PartNumber int
}

func (e *MissingETagError) Error() string {
	return fmt.Sprintf("upload: part %d response carried no ETag", e.PartNumber)
}

// TransportError is a network failure or non-2xx response from the broker or storage.
type TransportError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %d %s: %v", e.Op, e.StatusCode, http.StatusText(e.StatusCode), e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MissingFieldError is a 2xx broker response lacking a field the flow needs.
type MissingFieldError struct {
	Op    string
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s: response is missing %q", e.Op, e.Field)
}
