package protocol

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/muurk/cluctl/internal/cipherkey"
)

const tagSetKey = "req_set_key"

// encodedSecretLen is the base64 length of a 16 byte secret
var encodedSecretLen = base64.StdEncoding.EncodedLen(cipherkey.SecretSize)

var setKeyRequestLayout = Layout{
	MinLen: prefixSize + 1 + len(tagSetKey) + 1 + encodedSecretLen,
	Tag:    tagSetKey,
	TagAt:  prefixSize + 1,
	Seps:   []int{prefixSize, prefixSize + 1 + len(tagSetKey)},
}

// SetKeyRequest hands a device its new session key. The leading block is a
// random nonce sealed under the new key, which proves the sender holds it.
type SetKeyRequest struct {
	Proof  []byte
	IV     [cipherkey.IVSize]byte
	Secret [cipherkey.SecretSize]byte
}

// NewSetKeyRequest builds a rotation request for newKey
func NewSetKeyRequest(newKey *cipherkey.Key, nonce []byte) (*SetKeyRequest, error) {
	proof, err := newKey.Encrypt(nonce)
	if err != nil {
		return nil, err
	}
	if len(proof) != ChallengeSize {
		return nil, fmt.Errorf("nonce of %d bytes does not fit the %d byte proof", len(nonce), ChallengeSize)
	}
	return &SetKeyRequest{Proof: proof, IV: newKey.IV, Secret: newKey.Secret}, nil
}

func (r *SetKeyRequest) Kind() Kind { return KindSetKeyRequest }

func (r *SetKeyRequest) Encode() []byte {
	return Serialize(
		Raw(r.Proof), Raw(r.IV[:]), Sep,
		Text(tagSetKey), Sep,
		Text(base64.StdEncoding.EncodeToString(r.Secret[:])),
	)
}

// Key returns the key carried by the request
func (r *SetKeyRequest) Key() *cipherkey.Key {
	return &cipherkey.Key{Secret: r.Secret, IV: r.IV}
}

// Verify checks that the proof block opens under the carried key to a
// nonce of the expected size
func (r *SetKeyRequest) Verify() bool {
	nonce, err := r.Key().Decrypt(r.Proof)
	return err == nil && len(nonce) == cipherkey.NonceSize
}

// ParseSetKeyRequest parses a clear-text key rotation request
func ParseSetKeyRequest(buf []byte) (*SetKeyRequest, bool) {
	l := setKeyRequestLayout
	if !l.Matches(buf) {
		return nil, false
	}
	encoded := TrimLine(buf[l.Seps[1]+1:])
	if len(encoded) != encodedSecretLen {
		return nil, false
	}
	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(secret) != cipherkey.SecretSize {
		return nil, false
	}
	r := &SetKeyRequest{Proof: bytes.Clone(buf[:ChallengeSize])}
	copy(r.IV[:], buf[ChallengeSize:prefixSize])
	copy(r.Secret[:], secret)
	return r, true
}
