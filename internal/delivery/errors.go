package delivery

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies delivery failures.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotReady
	KindConnectionLost
	KindInvalidInput
	KindInvalidRecipient
	KindRecipientNotFound
	KindTransportFault
)

// String returns the human-readable name of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNotReady:
		return "not_ready"
	case KindConnectionLost:
		return "connection_lost"
	case KindInvalidInput:
		return "invalid_input"
	case KindInvalidRecipient:
		return "invalid_recipient"
	case KindRecipientNotFound:
		return "recipient_not_found"
	case KindTransportFault:
		return "transport_fault"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Error is a classified delivery error. Message is safe to show to API
// callers; Err is the raw underlying error, if any.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Original returns the raw underlying error text, or the message when
// there is no underlying error.
func (e *Error) Original() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// KindOf extracts the kind from err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Rule maps a substring of a transport error message to a kind.
type Rule struct {
	Substring string
	Kind      ErrorKind
}

// DefaultRules cover the wording of the supported transports. The matched
// substrings depend on the transport's error texts and may need updating
// when it changes.
func DefaultRules() []Rule {
	return []Rule{
		// Browser-automation transports.
		{"Evaluation failed", KindTransportFault},
		{"Phone number is not a valid", KindInvalidRecipient},
		{"Chat not found", KindRecipientNotFound},

		// whatsmeow.
		{"websocket not connected", KindTransportFault},
		{"websocket disconnected before", KindTransportFault},
		{"info query timed out", KindTransportFault},
		{"doesn't contain a device JID", KindTransportFault},
		{"timed out waiting for message send response", KindTransportFault},
		{"no signal session", KindTransportFault},
		{"server returned error", KindTransportFault},
		{"invalid JID", KindInvalidRecipient},
	}
}

// Classifier maps raw transport errors to kinds using ordered substring
// rules. The first matching rule wins; matching ignores case.
type Classifier struct {
	rules []Rule
}

// NewClassifier builds a classifier from rules. With no rules it uses
// DefaultRules.
func NewClassifier(rules ...Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	lowered := make([]Rule, len(rules))
	for i, r := range rules {
		lowered[i] = Rule{Substring: strings.ToLower(r.Substring), Kind: r.Kind}
	}
	return &Classifier{rules: lowered}
}

// Classify returns the kind for err. Errors that are already classified
// keep their kind.
func (c *Classifier) Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	msg := strings.ToLower(err.Error())
	for _, r := range c.rules {
		if strings.Contains(msg, r.Substring) {
			return r.Kind
		}
	}
	return KindUnknown
}

// userMessage is the caller-facing text for a classified delivery failure.
// Single sends get guidance; bulk results get a short label. Unknown
// failures echo the raw text.
func userMessage(kind ErrorKind, raw string, bulk bool) string {
	switch kind {
	case KindTransportFault:
		if bulk {
			return "WhatsApp Web interface error"
		}
		return "WhatsApp Web interface error. Please try again or restart the session."
	case KindInvalidRecipient:
		if bulk {
			return "Invalid phone number format"
		}
		return "Invalid phone number. Please check the number format."
	case KindRecipientNotFound:
		if bulk {
			return "Contact not found on WhatsApp"
		}
		return "Contact not found on WhatsApp. Please verify the phone number."
	default:
		return raw
	}
}
