// Package pairingqr renders a pairing URL as a QR code made of Unicode
// half-block characters, sized to fit a terminal.
package pairingqr

import (
	"strings"

	"github.com/skip2/go-qrcode"
)

// GenerateLines renders data as a QR code using two QR rows per terminal
// row (half-block characters), to correct for terminals' roughly 2:1
// character aspect ratio. Falls back to a short explanatory message if
// the code cannot be made to fit within maxWidth x maxHeight at any
// recovery level.
func GenerateLines(data string, maxWidth, maxHeight uint16) []string {
	levels := []qrcode.RecoveryLevel{qrcode.High, qrcode.Medium, qrcode.Low}

	for _, level := range levels {
		qr, err := qrcode.New(data, level)
		if err != nil {
			continue
		}

		bitmap := qr.Bitmap()
		if len(bitmap) == 0 || len(bitmap[0]) == 0 {
			continue
		}

		size := len(bitmap)
		qrWidth := uint16(size)
		qrHeight := uint16((size + 1) / 2)
		if qrWidth > maxWidth || qrHeight > maxHeight {
			continue
		}

		lines := make([]string, 0, qrHeight)
		for rowPair := 0; rowPair < (size+1)/2; rowPair++ {
			upperY := rowPair * 2
			lowerY := rowPair*2 + 1

			var sb strings.Builder
			sb.Grow(size * 3)
			for x := 0; x < size; x++ {
				upper := bitmap[upperY][x]
				lower := false
				if lowerY < size {
					lower = bitmap[lowerY][x]
				}
				switch {
				case upper && lower:
					sb.WriteRune('█')
				case upper && !lower:
					sb.WriteRune('▀')
				case !upper && lower:
					sb.WriteRune('▄')
				default:
					sb.WriteRune(' ')
				}
			}
			lines = append(lines, sb.String())
		}
		return lines
	}

	return []string{
		"QR code too large for this terminal",
		"resize the window and reconnect to pair by QR",
	}
}
