// Package faults classifies errors surfaced by the interview engine so the
// transport can tell a bad request from broken content or a failing backend.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the fault category of an error.
type Kind string

const (
	// KindClient covers requests that can never succeed as sent.
	KindClient Kind = "client"
	// KindConfiguration covers missing or inconsistent protocol content.
	KindConfiguration Kind = "configuration"
	// KindInfrastructure covers failing collaborators and persistence.
	KindInfrastructure Kind = "infrastructure"
)

// Code identifies a specific failure.
type Code string

const (
	CodeUnknownProtocol     Code = "unknown_protocol"
	CodeNoPromptsConfigured Code = "no_prompts_configured"
	CodeInvalidProtocol     Code = "invalid_protocol_content"
	CodeSessionNotFound     Code = "session_not_found"
	CodeStepAlreadyAnswered Code = "step_already_answered"
	CodeInvalidAudio        Code = "invalid_audio"
	CodeTranscriptionFailed Code = "transcription_failed"
	CodePersistenceFailed   Code = "persistence_failed"
	CodeInternal            Code = "internal"
)

// Error is a categorised error.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches on Code so sentinels compare equal to wrapped instances.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return e.Code == t.Code
}

func New(kind Kind, code Code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: cause}
}

func Client(code Code, message string) *Error {
	return New(KindClient, code, message, nil)
}

func Configuration(code Code, message string) *Error {
	return New(KindConfiguration, code, message, nil)
}

func Infrastructure(code Code, message string, cause error) *Error {
	return New(KindInfrastructure, code, message, cause)
}

// Sentinels for errors.Is checks.
var (
	ErrUnknownProtocol     = Configuration(CodeUnknownProtocol, "unknown protocol")
	ErrNoPromptsConfigured = Configuration(CodeNoPromptsConfigured, "no prompts configured")
	ErrSessionNotFound     = Client(CodeSessionNotFound, "session not found")
	ErrStepAlreadyAnswered = Client(CodeStepAlreadyAnswered, "step already answered")
	ErrTranscriptionFailed = Infrastructure(CodeTranscriptionFailed, "transcription failed", nil)
)

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf reports the category of err; uncategorised errors are infrastructure faults.
func KindOf(err error) Kind {
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return KindInfrastructure
}

// CodeOf reports the code of err, or CodeInternal.
func CodeOf(err error) Code {
	if fe, ok := As(err); ok {
		return fe.Code
	}
	return CodeInternal
}

// HTTPStatus maps err to a transport status code.
func HTTPStatus(err error) int {
	fe, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch fe.Kind {
	case KindClient:
		switch fe.Code {
		case CodeSessionNotFound:
			return http.StatusNotFound
		case CodeStepAlreadyAnswered:
			return http.StatusConflict
		default:
			return http.StatusBadRequest
		}
	default:
		return http.StatusInternalServerError
	}
}
