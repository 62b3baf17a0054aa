package delivery

import "strings"

const (
	// NetworkSuffix is appended to the digits of a phone number to form a
	// user JID.
	NetworkSuffix = "@s.whatsapp.net"

	// MinDigits is the shortest accepted phone number, country code included.
	MinDigits = 10
)

// Recipient is a normalized phone number.
type Recipient struct {
	Digits string
	JID    string
}

// Normalize strips every non-digit from raw and appends the network
// suffix. Inputs with fewer than MinDigits digits are rejected with
// KindInvalidRecipient. Normalize(r.JID) yields r again.
func Normalize(raw string) (Recipient, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)

	if len(digits) < MinDigits {
		return Recipient{}, newError(KindInvalidRecipient, "Invalid phone number format")
	}
	return Recipient{Digits: digits, JID: digits + NetworkSuffix}, nil
}
