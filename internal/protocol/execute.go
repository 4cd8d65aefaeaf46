package protocol

import (
	"net/netip"
	"strings"
)

const (
	tagExecuteRequest  = "req"
	tagExecuteResponse = "resp"
)

var executeRequestLayout = Layout{
	MinLen: len(tagExecuteRequest) + 1 + len("0.0.0.0") + 1 + 8 + 1,
	Tag:    tagExecuteRequest,
	Seps:   []int{len(tagExecuteRequest)},
}

var executeResponseLayout = Layout{
	MinLen: len(tagExecuteResponse) + 1 + len("0.0.0.0") + 1 + 8 + 1,
	Tag:    tagExecuteResponse,
	Seps:   []int{len(tagExecuteResponse)},
}

// ExecuteRequest runs a script on the device. SessionID correlates the
// response.
type ExecuteRequest struct {
	CallerIP  netip.Addr
	SessionID uint32
	Script    string
}

func (r *ExecuteRequest) Kind() Kind { return KindExecuteRequest }

func (r *ExecuteRequest) Encode() []byte {
	return Serialize(
		Text(tagExecuteRequest), Sep,
		IPv4(r.CallerIP), Sep,
		Hex{Value: uint64(r.SessionID), Width: 8}, Sep,
		Text(r.Script), Text(lineEnd),
	)
}

// ParseExecuteRequest parses a clear-text script request
func ParseExecuteRequest(buf []byte) (*ExecuteRequest, bool) {
	if !executeRequestLayout.Matches(buf) {
		return nil, false
	}
	fields, ok := Fields(buf, len(tagExecuteRequest)+1, 3)
	if !ok {
		return nil, false
	}
	ip, ok := ParseIPv4(fields[0])
	if !ok {
		return nil, false
	}
	sid, ok := ParseHex(fields[1], 8)
	if !ok {
		return nil, false
	}
	return &ExecuteRequest{
		CallerIP:  ip,
		SessionID: uint32(sid),
		Script:    strings.TrimSuffix(fields[2], lineEnd),
	}, true
}

// ExecuteResponse carries a script's return value. CallerIP echoes the
// request.
type ExecuteResponse struct {
	CallerIP  netip.Addr
	SessionID uint32
	Value     string
}

func (r *ExecuteResponse) Kind() Kind { return KindExecuteResponse }

func (r *ExecuteResponse) Encode() []byte {
	return Serialize(
		Text(tagExecuteResponse), Sep,
		IPv4(r.CallerIP), Sep,
		Hex{Value: uint64(r.SessionID), Width: 8}, Sep,
		Text(r.Value),
	)
}

// ParseExecuteResponse parses a script result
func ParseExecuteResponse(buf []byte) (*ExecuteResponse, bool) {
	if !executeResponseLayout.Matches(buf) {
		return nil, false
	}
	fields, ok := Fields(buf, len(tagExecuteResponse)+1, 3)
	if !ok {
		return nil, false
	}
	ip, ok := ParseIPv4(fields[0])
	if !ok {
		return nil, false
	}
	sid, ok := ParseHex(fields[1], 8)
	if !ok {
		return nil, false
	}
	return &ExecuteResponse{
		CallerIP:  ip,
		SessionID: uint32(sid),
		Value:     TrimLine([]byte(fields[2])),
	}, true
}
