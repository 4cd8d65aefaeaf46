package protocol

import (
	"net/netip"
	"strconv"
	"strings"
)

// Layout describes the fixed-width prefix of a frame
type Layout struct {
	// MinLen is the shortest buffer that can hold the frame
	MinLen int

	// Tag is the literal command name and TagAt its byte offset
	Tag   string
	TagAt int

	// Seps are the offsets that must hold ':'
	Seps []int
}

// Matches validates buf against the layout by position only.
// It never scans and never panics.
func (l Layout) Matches(buf []byte) bool {
	if len(buf) < l.MinLen {
		return false
	}
	end := l.TagAt + len(l.Tag)
	if l.TagAt < 0 || end > len(buf) || string(buf[l.TagAt:end]) != l.Tag {
		return false
	}
	for _, off := range l.Seps {
		if off < 0 || off >= len(buf) || buf[off] != Separator {
			return false
		}
	}
	return true
}

// TrimLine strips trailing whitespace, line terminators and NUL padding
func TrimLine(b []byte) string {
	return strings.TrimRight(string(b), " \t\r\n\x00")
}

// ParseHex reads exactly width hex digits
func ParseHex(s string, width int) (uint64, bool) {
	if len(s) != width || width == 0 {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ParseIPv4 reads a dotted decimal IPv4 address
func ParseIPv4(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return netip.Addr{}, false
	}
	return addr, true
}

// Fields splits buf[from:] into exactly n ':'-separated fields.
// The last field keeps any further separators.
func Fields(buf []byte, from, n int) ([]string, bool) {
	if from > len(buf) {
		return nil, false
	}
	parts := strings.SplitN(string(buf[from:]), string(Separator), n)
	if len(parts) != n {
		return nil, false
	}
	return parts, true
}

// isHexString reports whether s is non-empty and all hex digits
func isHexString(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}
