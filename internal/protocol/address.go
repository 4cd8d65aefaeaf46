package protocol

import (
	"net/netip"
	"strings"
)

const (
	tagSetAddressRequest  = "req_set_clu_ip"
	tagSetAddressResponse = "resp_set_clu_ip"
)

var setAddressRequestLayout = Layout{
	MinLen: len(tagSetAddressRequest) + 1 + 8 + 1 + len("0.0.0.0:0.0.0.0"),
	Tag:    tagSetAddressRequest,
	Seps:   []int{len(tagSetAddressRequest), len(tagSetAddressRequest) + 9},
}

var setAddressResponseLayout = Layout{
	MinLen: len(tagSetAddressResponse) + 1 + 8 + 1 + len("0.0.0.0"),
	Tag:    tagSetAddressResponse,
	Seps:   []int{len(tagSetAddressResponse), len(tagSetAddressResponse) + 9},
}

// SetAddressRequest asks the device with Serial to move to IP behind Gateway
type SetAddressRequest struct {
	Serial  uint64
	IP      netip.Addr
	Gateway netip.Addr
}

func (r *SetAddressRequest) Kind() Kind { return KindSetAddressRequest }

func (r *SetAddressRequest) Encode() []byte {
	return Serialize(
		Text(tagSetAddressRequest), Sep,
		Serial8(r.Serial), Sep,
		IPv4(r.IP), Sep,
		IPv4(r.Gateway),
	)
}

// ParseSetAddressRequest parses a clear-text readdressing request
func ParseSetAddressRequest(buf []byte) (*SetAddressRequest, bool) {
	l := setAddressRequestLayout
	if !l.Matches(buf) {
		return nil, false
	}
	serial, ok := ParseHex(string(buf[l.Seps[0]+1:l.Seps[1]]), 8)
	if !ok {
		return nil, false
	}
	ipText, gwText, ok := strings.Cut(TrimLine(buf[l.Seps[1]+1:]), string(Separator))
	if !ok {
		return nil, false
	}
	ip, ok := ParseIPv4(ipText)
	if !ok {
		return nil, false
	}
	gw, ok := ParseIPv4(gwText)
	if !ok {
		return nil, false
	}
	return &SetAddressRequest{Serial: serial, IP: ip, Gateway: gw}, true
}

// SetAddressResponse reports the address the device accepted
type SetAddressResponse struct {
	Serial uint64
	IP     netip.Addr
}

func (r *SetAddressResponse) Kind() Kind { return KindSetAddressResponse }

func (r *SetAddressResponse) Encode() []byte {
	return Serialize(
		Text(tagSetAddressResponse), Sep,
		Serial8(r.Serial), Sep,
		IPv4(r.IP),
	)
}

// ParseSetAddressResponse parses a readdressing confirmation
func ParseSetAddressResponse(buf []byte) (*SetAddressResponse, bool) {
	l := setAddressResponseLayout
	if !l.Matches(buf) {
		return nil, false
	}
	serial, ok := ParseHex(string(buf[l.Seps[0]+1:l.Seps[1]]), 8)
	if !ok {
		return nil, false
	}
	ip, ok := ParseIPv4(TrimLine(buf[l.Seps[1]+1:]))
	if !ok {
		return nil, false
	}
	return &SetAddressResponse{Serial: serial, IP: ip}, true
}
