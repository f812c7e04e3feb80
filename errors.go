package main

import (
	"errors"
	"strings"
)

var (
	ErrMalformedRequest  = errors.New("malformed request")
	ErrMalformedMetadata = errors.New("malformed metadata")
	ErrMalformedChunk    = errors.New("malformed chunk")
	ErrNumberFormat      = errors.New("invalid number format")

	ErrInvalidFileName = errors.New("invalid file name")
	ErrFileNotFound    = errors.New("file not found")
	ErrFileUnreadable  = errors.New("file unreadable")
	ErrFileReadFailure = errors.New("file read failure")
	ErrFileTooLarge    = errors.New("file too large")

	ErrTransportExhausted      = errors.New("send attempts exhausted")
	ErrReceiveTimeoutExhausted = errors.New("receive attempts exhausted")
	ErrServerReported          = errors.New("server reported error")
)

// serverSentinels are the errors a server turns into ErrorResponse text. The
// message always starts with the sentinel text, which lets the client map a
// ServerError back onto them.
var serverSentinels = []error{
	ErrMalformedRequest,
	ErrInvalidFileName,
	ErrFileNotFound,
	ErrFileUnreadable,
	ErrFileReadFailure,
	ErrFileTooLarge,
}

// ServerError is an ErrorResponse received by the client. Message is the
// server's text without the "ERROR:" prefix.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

func (e *ServerError) Is(target error) bool {
	if target == ErrServerReported {
		return true
	}
	for _, s := range serverSentinels {
		if target == s && strings.HasPrefix(e.Message, s.Error()) {
			return true
		}
	}
	return false
}
