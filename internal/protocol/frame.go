package protocol

import (
	"net/netip"
	"strconv"
	"strings"
)

// Separator is the literal field delimiter
const Separator = ':'

// Line terminator appended to script requests
const lineEnd = "\r\n"

// Part is one element of a serialized frame
type Part interface {
	appendTo(dst []byte) []byte
}

// Raw is a binary block copied verbatim
type Raw []byte

func (p Raw) appendTo(dst []byte) []byte { return append(dst, p...) }

// Text is UTF-8 text copied verbatim
type Text string

func (p Text) appendTo(dst []byte) []byte { return append(dst, p...) }

// IPv4 renders an address in dotted decimal
type IPv4 netip.Addr

func (p IPv4) appendTo(dst []byte) []byte {
	return append(dst, netip.Addr(p).Unmap().String()...)
}

// Hex renders an integer as lowercase hex, left padded with '0' to Width
type Hex struct {
	Value uint64
	Width int
}

func (p Hex) appendTo(dst []byte) []byte {
	s := strconv.FormatUint(p.Value, 16)
	if n := p.Width - len(s); n > 0 {
		dst = append(dst, strings.Repeat("0", n)...)
	}
	return append(dst, s...)
}

type sep struct{}

func (sep) appendTo(dst []byte) []byte { return append(dst, Separator) }

// Sep is the ':' separator part
var Sep Part = sep{}

// Serialize concatenates parts in the order given
func Serialize(parts ...Part) []byte {
	var out []byte
	for _, p := range parts {
		out = p.appendTo(out)
	}
	return out
}

// Serial8 renders a serial number the canonical way
func Serial8(serial uint64) Hex {
	return Hex{Value: serial, Width: 8}
}

// FormatSerial returns the canonical 8-digit rendering of a serial
func FormatSerial(serial uint64) string {
	return string(Serialize(Serial8(serial)))
}
