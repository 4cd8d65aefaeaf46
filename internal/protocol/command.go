package protocol

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"github.com/muurk/cluctl/internal/cipherkey"
)

// Kind identifies a request or response variant
type Kind int

const (
	KindUnknown Kind = iota
	KindDiscoverRequest
	KindDiscoverResponse
	KindSetKeyRequest
	KindSetAddressRequest
	KindSetAddressResponse
	KindResetRequest
	KindResetResponse
	KindExecuteRequest
	KindExecuteResponse
	KindStartFileServerRequest
	KindOKResponse
	KindErrorResponse
)

var kindNames = map[Kind]string{
	KindDiscoverRequest:        "req_discovery_clu",
	KindDiscoverResponse:       "resp_discovery_clu",
	KindSetKeyRequest:          "req_set_key",
	KindSetAddressRequest:      "req_set_clu_ip",
	KindSetAddressResponse:     "resp_set_clu_ip",
	KindResetRequest:           "req_reset",
	KindResetResponse:          "resp_reset",
	KindExecuteRequest:         "req",
	KindExecuteResponse:        "resp",
	KindStartFileServerRequest: "req_start_ftp",
	KindOKResponse:             "resp:OK",
	KindErrorResponse:          "resp:ERROR",
}

// String returns the wire tag of the kind
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Sealed reports whether frames of this kind are encrypted whole with the
// session key. Discover frames carry their own challenge instead.
func (k Kind) Sealed() bool {
	return k != KindDiscoverRequest && k != KindDiscoverResponse
}

// Command is any request or response of the catalog
type Command interface {
	Kind() Kind
	Encode() []byte
}

// Decode identifies a clear-text frame. It returns false for anything that
// matches no layout.
func Decode(buf []byte) (Command, bool) {
	if r, ok := ParseDiscoverRequest(buf); ok {
		return r, true
	}
	if r, ok := ParseDiscoverResponse(buf); ok {
		return r, true
	}
	if r, ok := ParseSetKeyRequest(buf); ok {
		return r, true
	}
	if r, ok := ParseSetAddressRequest(buf); ok {
		return r, true
	}
	if r, ok := ParseSetAddressResponse(buf); ok {
		return r, true
	}
	if r, ok := ParseResetRequest(buf); ok {
		return r, true
	}
	if r, ok := ParseResetResponse(buf); ok {
		return r, true
	}
	if r, ok := ParseStartFileServerRequest(buf); ok {
		return r, true
	}
	if r, ok := ParseOKResponse(buf); ok {
		return r, true
	}
	if r, ok := ParseErrorResponse(buf); ok {
		return r, true
	}
	if r, ok := ParseExecuteRequest(buf); ok {
		return r, true
	}
	if r, ok := ParseExecuteResponse(buf); ok {
		return r, true
	}
	return nil, false
}

// Seal encodes cmd and, for sealed kinds, encrypts it with key
func Seal(key *cipherkey.Key, cmd Command) ([]byte, error) {
	data := cmd.Encode()
	if !cmd.Kind().Sealed() {
		return data, nil
	}
	if key == nil {
		return nil, fmt.Errorf("%s: %w", cmd.Kind(), cipherkey.ErrInvalidKey)
	}
	return key.Encrypt(data)
}

// Open decrypts a sealed datagram. It returns false when the key does not
// fit, which callers treat the same as an unrelated datagram.
func Open(key *cipherkey.Key, data []byte) ([]byte, bool) {
	if key == nil {
		return nil, false
	}
	plain, err := key.Decrypt(data)
	if err != nil {
		return nil, false
	}
	return plain, true
}

// sessionIDCounter starts at a random point so concurrent tools on one
// host rarely collide
var sessionIDCounter = rand.Uint32()

// NewSessionID returns a correlation id for Execute. Never returns 0.
func NewSessionID() uint32 {
	for {
		id := atomic.AddUint32(&sessionIDCounter, 1)
		if id != 0 {
			return id
		}
	}
}
