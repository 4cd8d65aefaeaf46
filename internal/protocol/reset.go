package protocol

import "net/netip"

const (
	tagResetRequest  = "req_reset"
	tagResetResponse = "resp_reset"
)

var resetRequestLayout = Layout{
	MinLen: len(tagResetRequest) + 1 + len("0.0.0.0"),
	Tag:    tagResetRequest,
	Seps:   []int{len(tagResetRequest)},
}

var resetResponseLayout = Layout{
	MinLen: len(tagResetResponse) + 1 + len("0.0.0.0"),
	Tag:    tagResetResponse,
	Seps:   []int{len(tagResetResponse)},
}

// ResetRequest reboots a device. CallerIP is where the device sends its ack.
type ResetRequest struct {
	CallerIP netip.Addr
}

func (r *ResetRequest) Kind() Kind { return KindResetRequest }

func (r *ResetRequest) Encode() []byte {
	return Serialize(Text(tagResetRequest), Sep, IPv4(r.CallerIP))
}

// ParseResetRequest parses a clear-text reset request
func ParseResetRequest(buf []byte) (*ResetRequest, bool) {
	if !resetRequestLayout.Matches(buf) {
		return nil, false
	}
	ip, ok := ParseIPv4(TrimLine(buf[len(tagResetRequest)+1:]))
	if !ok {
		return nil, false
	}
	return &ResetRequest{CallerIP: ip}, true
}

// ResetResponse acknowledges a reset before the device reboots
type ResetResponse struct {
	DeviceIP netip.Addr
}

func (r *ResetResponse) Kind() Kind { return KindResetResponse }

func (r *ResetResponse) Encode() []byte {
	return Serialize(Text(tagResetResponse), Sep, IPv4(r.DeviceIP))
}

// ParseResetResponse parses a reset acknowledgement
func ParseResetResponse(buf []byte) (*ResetResponse, bool) {
	if !resetResponseLayout.Matches(buf) {
		return nil, false
	}
	ip, ok := ParseIPv4(TrimLine(buf[len(tagResetResponse)+1:]))
	if !ok {
		return nil, false
	}
	return &ResetResponse{DeviceIP: ip}, true
}
