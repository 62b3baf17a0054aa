package pairing

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"
	"golang.org/x/term"
)

// ImageSize is the edge length in pixels of rendered pairing images.
const ImageSize = 400

// Renderer turns a pairing secret into an artifact.
type Renderer func(secret string) (Artifact, error)

// Render encodes secret as a PNG QR code.
func Render(secret string) (Artifact, error) {
	if secret == "" {
		return Artifact{}, fmt.Errorf("render pairing code: empty secret")
	}
	png, err := qrcode.Encode(secret, qrcode.Medium, ImageSize)
	if err != nil {
		return Artifact{}, fmt.Errorf("render pairing code: %w", err)
	}
	return Artifact{Payload: png, CreatedAt: time.Now()}, nil
}

// DataURL returns the artifact as an inline image URL for HTML and JSON.
func DataURL(a Artifact) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(a.Payload)
}

// TerminalQR renders secret as a compact block-character QR code for
// printing to a console. It returns "" when the code would not fit the
// terminal width, or when stdout isn't a terminal.
func TerminalQR(secret string) string {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return ""
	}
	width, _, err := term.GetSize(fd)
	if err != nil {
		return ""
	}
	return terminalQR(secret, width)
}

func terminalQR(secret string, width int) string {
	q, err := qrcode.New(secret, qrcode.Low)
	if err != nil {
		return ""
	}
	out := q.ToSmallString(false)
	for _, line := range strings.Split(out, "\n") {
		if len([]rune(line)) > width {
			return ""
		}
	}
	return out
}
