package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a job failure. Values are stable, they travel over the wire as codes.
type Kind uint8

const (
	KindUnknown Kind = iota

	// KindNoMatchingCredential means no credential rule matches the URL (unsupported site).
	KindNoMatchingCredential

	// KindCredentialsCoolingDown means matching credentials exist but all are cooling down.
	KindCredentialsCoolingDown

	// KindBlockedLink is a link shape rejected at admission (mobile/WAP, folder listings).
	KindBlockedLink

	// KindToolFailure is a non-zero exit of the retrieval tool.
	KindToolFailure

	// KindNoArtifact means the tool succeeded but produced no usable file.
	KindNoArtifact

	// KindTransferFailure covers the trigger/retrieve exchange between processes.
	KindTransferFailure

	// KindDeliveryFailure means the final hand-off to the destination failed.
	KindDeliveryFailure

	// KindInvalidInput is a malformed request (bad body, bad file name).
	KindInvalidInput

	// KindNotFound is a missing artifact on the retrieve side.
	KindNotFound

	// KindShutdown is reported to jobs still queued when the process stops.
	KindShutdown
)

var kindCodes = map[Kind]string{
	KindUnknown:                "unknown",
	KindNoMatchingCredential:   "no_credential",
	KindCredentialsCoolingDown: "cooling_down",
	KindBlockedLink:            "blocked_link",
	KindToolFailure:            "tool_failure",
	KindNoArtifact:             "no_artifact",
	KindTransferFailure:        "transfer_failure",
	KindDeliveryFailure:        "delivery_failure",
	KindInvalidInput:           "invalid_input",
	KindNotFound:               "not_found",
	KindShutdown:               "shutdown",
}

// Code returns the wire code of the kind.
func (k Kind) Code() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return kindCodes[KindUnknown]
}

func (k Kind) String() string { return k.Code() }

// KindFromCode is the inverse of Code. Unknown codes map to KindUnknown.
func KindFromCode(code string) Kind {
	for k, c := range kindCodes {
		if c == code {
			return k
		}
	}
	return KindUnknown
}

// HTTPStatus maps a kind onto the backend's status codes.
func HTTPStatus(k Kind) int {
	switch k {
	case KindNoMatchingCredential, KindBlockedLink, KindInvalidInput:
		return http.StatusBadRequest
	case KindNoArtifact, KindNotFound:
		return http.StatusNotFound
	case KindCredentialsCoolingDown:
		return http.StatusTooManyRequests
	case KindShutdown:
		return http.StatusServiceUnavailable
	case KindTransferFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure. Msg is human facing, Err the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Code()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// Sentinels for errors.Is checks.
var (
	ErrNoMatchingCredential   = &Error{Kind: KindNoMatchingCredential}
	ErrCredentialsCoolingDown = &Error{Kind: KindCredentialsCoolingDown}
	ErrBlockedLink            = &Error{Kind: KindBlockedLink}
	ErrToolFailure            = &Error{Kind: KindToolFailure}
	ErrNoArtifact             = &Error{Kind: KindNoArtifact}
	ErrTransferFailure        = &Error{Kind: KindTransferFailure}
	ErrDeliveryFailure        = &Error{Kind: KindDeliveryFailure}
	ErrInvalidInput           = &Error{Kind: KindInvalidInput}
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrShutdown               = &Error{Kind: KindShutdown}
)

// E builds a classified error.
func E(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf extracts the kind of err, KindUnknown when unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Message returns the human message of err without the op/cause chain.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// UserMessage renders the one status line shown to the requester for a terminal failure.
func UserMessage(err error) string {
	switch KindOf(err) {
	case KindNoMatchingCredential:
		return "❌ This link's site is not supported (no credential configured for it)."
	case KindCredentialsCoolingDown:
		return "⏳ All accounts for this site are cooling down. Please resend the link in a minute or two."
	case KindBlockedLink:
		return "🚫 " + Message(err)
	case KindToolFailure:
		return "❌ Download failed on the server."
	case KindNoArtifact:
		return "❌ The download finished but produced no media file."
	case KindTransferFailure:
		return "❌ Could not transfer the file from the download server:\n" + Message(err)
	case KindDeliveryFailure:
		return "❌ The file was downloaded but could not be sent:\n" + Message(err)
	case KindShutdown:
		return "⚠️ The bot is restarting, please resend the link."
	default:
		return "❌ Failed:\n" + Message(err)
	}
}
