package protocol

import (
	"bytes"
	"fmt"
	"net/netip"

	"github.com/muurk/cluctl/internal/cipherkey"
)

// Sizes of the binary discovery prefix
const (
	ChallengeSize = 32
	prefixSize    = ChallengeSize + cipherkey.IVSize
	macLength     = 12
)

const (
	tagDiscoverRequest  = "req_discovery_clu"
	tagDiscoverResponse = "resp_discovery_clu"
)

var discoverRequestLayout = Layout{
	MinLen: prefixSize + 1 + len(tagDiscoverRequest) + 1 + len("0.0.0.0"),
	Tag:    tagDiscoverRequest,
	TagAt:  prefixSize + 1,
	Seps:   []int{prefixSize, prefixSize + 1 + len(tagDiscoverRequest)},
}

var discoverResponseLayout = Layout{
	MinLen: prefixSize + 1 + len(tagDiscoverResponse) + 1 + 8 + 1 + macLength,
	Tag:    tagDiscoverResponse,
	TagAt:  prefixSize + 1,
	Seps: []int{
		prefixSize,
		prefixSize + 1 + len(tagDiscoverResponse),
		prefixSize + 1 + len(tagDiscoverResponse) + 1 + 8,
	},
}

// Auth classifies what the caller knows about a discovered device
type Auth int

const (
	// AuthUnknown means no private key is on file for the serial
	AuthUnknown Auth = iota
	// AuthNone means a private key is on file but the device did not prove it
	AuthNone
	// AuthProject means the device proved possession of the private key on file
	AuthProject
)

// String returns a human-readable classification
func (a Auth) String() string {
	switch a {
	case AuthUnknown:
		return "Unknown"
	case AuthNone:
		return "None"
	case AuthProject:
		return "Project"
	default:
		return fmt.Sprintf("Auth(%d)", int(a))
	}
}

// DiscoverRequest is the broadcast challenge
type DiscoverRequest struct {
	Challenge []byte
	IV        [cipherkey.IVSize]byte
	CallerIP  netip.Addr
}

// NewDiscoverRequest builds a challenge for nonce. The challenge is the
// nonce's ChallengeHash sealed under the factory bootstrap key for iv.
func NewDiscoverRequest(nonce []byte, iv [cipherkey.IVSize]byte, caller netip.Addr) (*DiscoverRequest, error) {
	sealed, err := cipherkey.DeriveBootstrap(iv[:], nil).Encrypt(cipherkey.ChallengeHash(nonce))
	if err != nil {
		return nil, err
	}
	if len(sealed) != ChallengeSize {
		return nil, fmt.Errorf("nonce of %d bytes does not fit the %d byte challenge", len(nonce), ChallengeSize)
	}
	return &DiscoverRequest{Challenge: sealed, IV: iv, CallerIP: caller}, nil
}

func (r *DiscoverRequest) Kind() Kind { return KindDiscoverRequest }

func (r *DiscoverRequest) Encode() []byte {
	return Serialize(
		Raw(r.Challenge), Raw(r.IV[:]), Sep,
		Text(tagDiscoverRequest), Sep,
		IPv4(r.CallerIP),
	)
}

// Hash recovers ChallengeHash(nonce) from the request. Devices use it to
// answer.
func (r *DiscoverRequest) Hash() ([]byte, error) {
	return cipherkey.DeriveBootstrap(r.IV[:], nil).Decrypt(r.Challenge)
}

// ParseDiscoverRequest parses a clear-text discovery request
func ParseDiscoverRequest(buf []byte) (*DiscoverRequest, bool) {
	if !discoverRequestLayout.Matches(buf) {
		return nil, false
	}
	ip, ok := ParseIPv4(TrimLine(buf[discoverRequestLayout.Seps[1]+1:]))
	if !ok {
		return nil, false
	}
	r := &DiscoverRequest{
		Challenge: bytes.Clone(buf[:ChallengeSize]),
		CallerIP:  ip,
	}
	copy(r.IV[:], buf[ChallengeSize:prefixSize])
	return r, true
}

// DiscoverResponse is a device's answer to the broadcast challenge
type DiscoverResponse struct {
	Challenge []byte
	IV        [cipherkey.IVSize]byte
	Serial    uint64
	MAC       string
}

// NewDiscoverResponse answers req on behalf of a device holding privateKey
// and iv.
func NewDiscoverResponse(req *DiscoverRequest, iv [cipherkey.IVSize]byte, privateKey []byte, serial uint64, mac string) (*DiscoverResponse, error) {
	hash, err := req.Hash()
	if err != nil {
		return nil, fmt.Errorf("unreadable challenge: %w", err)
	}
	sealed, err := cipherkey.DeriveBootstrap(iv[:], privateKey).Encrypt(hash)
	if err != nil {
		return nil, err
	}
	return &DiscoverResponse{Challenge: sealed, IV: iv, Serial: serial, MAC: mac}, nil
}

func (r *DiscoverResponse) Kind() Kind { return KindDiscoverResponse }

func (r *DiscoverResponse) Encode() []byte {
	return Serialize(
		Raw(r.Challenge), Raw(r.IV[:]), Sep,
		Text(tagDiscoverResponse), Sep,
		Serial8(r.Serial), Sep,
		Text(r.MAC),
	)
}

// ParseDiscoverResponse parses a discovery response
func ParseDiscoverResponse(buf []byte) (*DiscoverResponse, bool) {
	l := discoverResponseLayout
	if !l.Matches(buf) {
		return nil, false
	}
	serial, ok := ParseHex(string(buf[l.Seps[1]+1:l.Seps[2]]), 8)
	if !ok {
		return nil, false
	}
	mac := TrimLine(buf[l.Seps[2]+1:])
	if len(mac) != macLength || !isHexString(mac) {
		return nil, false
	}
	r := &DiscoverResponse{
		Challenge: bytes.Clone(buf[:ChallengeSize]),
		Serial:    serial,
		MAC:       mac,
	}
	copy(r.IV[:], buf[ChallengeSize:prefixSize])
	return r, true
}

// ClassifyDiscovery decides how far a responding device is trusted.
// knownKeys maps serial numbers to private keys on file.
func ClassifyDiscovery(resp *DiscoverResponse, nonce []byte, knownKeys map[uint64][]byte) Auth {
	privateKey, ok := knownKeys[resp.Serial]
	if !ok || len(privateKey) == 0 {
		return AuthUnknown
	}
	expected, err := cipherkey.DeriveBootstrap(resp.IV[:], privateKey).Encrypt(cipherkey.ChallengeHash(nonce))
	if err != nil || !bytes.Equal(expected, resp.Challenge) {
		return AuthNone
	}
	return AuthProject
}
