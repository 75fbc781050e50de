package normalize

import (
	"fmt"
	"strings"

	"golang.org/x/image/colornames"
)

// colorNameKeys derives lookup keys from most to least strict.
var colorNameKeys = []func(string) string{
	strings.ToLower,
	func(s string) string {
		return strings.NewReplacer(" ", "", "-", "", "_", "").Replace(strings.ToLower(s))
	},
}

// Color resolves a color name to a 6-digit uppercase hex string using the
// CSS3 (SVG 1.1) keyword table. The CSS 2.1, CSS 2 and HTML 4 keywords are
// subsets of it with identical values. Unknown names return false; callers
// store them as an unknown color.
func Color(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}
	for _, key := range colorNameKeys {
		if c, ok := colornames.Map[key(name)]; ok {
			return HexFromRGB(int(c.R), int(c.G), int(c.B)), true
		}
	}
	return "", false
}

// HexFromRGB formats channel values, clamped to 0-255.
func HexFromRGB(r, g, b int) string {
	return fmt.Sprintf("%02X%02X%02X", clampByte(r), clampByte(g), clampByte(b))
}

// CleanHex normalizes "#aabbcc" style values. It reports false when the
// input is not a 6-digit hex color.
func CleanHex(raw string) (string, bool) {
	s := strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(raw), "#"))
	if len(s) != 6 {
		return "", false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789ABCDEF", r) {
			return "", false
		}
	}
	return s, true
}

func clampByte(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return v
	}
}
