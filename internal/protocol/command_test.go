package protocol

import (
	"bytes"
	"net/netip"
	"sync"
	"testing"

	"github.com/muurk/cluctl/internal/cipherkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	callerIP = netip.MustParseAddr("192.168.1.10")
	deviceIP = netip.MustParseAddr("192.168.1.50")
)

func fixedIV(b byte) [cipherkey.IVSize]byte {
	var iv [cipherkey.IVSize]byte
	for i := range iv {
		iv[i] = b
	}
	return iv
}

func nonce(b byte) []byte {
	return bytes.Repeat([]byte{b}, cipherkey.NonceSize)
}

func TestDiscoverRequest_RoundTrip(t *testing.T) {
	req, err := NewDiscoverRequest(nonce(7), fixedIV(3), callerIP)
	require.NoError(t, err)

	data := req.Encode()
	assert.Len(t, data, 67+len("192.168.1.10"))
	assert.Equal(t, byte(':'), data[48])
	assert.Equal(t, "req_discovery_clu", string(data[49:66]))

	got, ok := ParseDiscoverRequest(data)
	require.True(t, ok)
	assert.Equal(t, req, got)

	hash, err := got.Hash()
	require.NoError(t, err)
	assert.Equal(t, cipherkey.ChallengeHash(nonce(7)), hash)
}

func TestDiscoverResponse_RoundTrip(t *testing.T) {
	req, err := NewDiscoverRequest(nonce(1), fixedIV(1), callerIP)
	require.NoError(t, err)
	resp, err := NewDiscoverResponse(req, fixedIV(9), []byte("devkey01"), 0x1a2b3c, "0011223344ab")
	require.NoError(t, err)

	data := resp.Encode()
	assert.Equal(t, "resp_discovery_clu:001a2b3c:0011223344ab", string(data[49:]))

	got, ok := ParseDiscoverResponse(data)
	require.True(t, ok)
	assert.Equal(t, resp, got)
}

func TestClassifyDiscovery(t *testing.T) {
	n := nonce(5)
	req, err := NewDiscoverRequest(n, fixedIV(2), callerIP)
	require.NoError(t, err)

	privateKey := []byte("private1")
	resp, err := NewDiscoverResponse(req, fixedIV(4), privateKey, 42, "aabbccddeeff")
	require.NoError(t, err)

	assert.Equal(t, AuthProject, ClassifyDiscovery(resp, n, map[uint64][]byte{42: privateKey}))
	assert.Equal(t, AuthNone, ClassifyDiscovery(resp, n, map[uint64][]byte{42: []byte("other")}))
	assert.Equal(t, AuthNone, ClassifyDiscovery(resp, nonce(6), map[uint64][]byte{42: privateKey}))
	assert.Equal(t, AuthUnknown, ClassifyDiscovery(resp, n, map[uint64][]byte{43: privateKey}))
	assert.Equal(t, AuthUnknown, ClassifyDiscovery(resp, n, nil))
}

func TestAuth_String(t *testing.T) {
	assert.Equal(t, "Unknown", AuthUnknown.String())
	assert.Equal(t, "None", AuthNone.String())
	assert.Equal(t, "Project", AuthProject.String())
}

func TestSetKeyRequest_RoundTrip(t *testing.T) {
	key, err := cipherkey.Generate()
	require.NoError(t, err)

	req, err := NewSetKeyRequest(key, nonce(8))
	require.NoError(t, err)

	data := req.Encode()
	assert.Len(t, data, 85)
	assert.Equal(t, "req_set_key", string(data[49:60]))

	got, ok := ParseSetKeyRequest(data)
	require.True(t, ok)
	assert.True(t, got.Key().Equal(key))
	assert.True(t, got.Verify())

	other, err := cipherkey.Generate()
	require.NoError(t, err)
	forged, err := NewSetKeyRequest(other, nonce(8))
	require.NoError(t, err)
	forged.Secret = key.Secret
	forged.IV = key.IV
	assert.False(t, forged.Verify())
}

func TestSetAddress_RoundTrip(t *testing.T) {
	req := &SetAddressRequest{
		Serial:  0xcafe,
		IP:      netip.MustParseAddr("10.1.2.3"),
		Gateway: netip.MustParseAddr("10.1.2.254"),
	}
	assert.Equal(t, "req_set_clu_ip:0000cafe:10.1.2.3:10.1.2.254", string(req.Encode()))

	got, ok := ParseSetAddressRequest(req.Encode())
	require.True(t, ok)
	assert.Equal(t, req, got)

	resp := &SetAddressResponse{Serial: 0xcafe, IP: req.IP}
	assert.Equal(t, "resp_set_clu_ip:0000cafe:10.1.2.3", string(resp.Encode()))
	gotResp, ok := ParseSetAddressResponse(resp.Encode())
	require.True(t, ok)
	assert.Equal(t, resp, gotResp)
}

func TestReset_RoundTrip(t *testing.T) {
	req := &ResetRequest{CallerIP: callerIP}
	assert.Equal(t, "req_reset:192.168.1.10", string(req.Encode()))
	got, ok := ParseResetRequest(req.Encode())
	require.True(t, ok)
	assert.Equal(t, req, got)

	resp := &ResetResponse{DeviceIP: deviceIP}
	gotResp, ok := ParseResetResponse(resp.Encode())
	require.True(t, ok)
	assert.Equal(t, resp, gotResp)
}

func TestExecute_RoundTrip(t *testing.T) {
	req := &ExecuteRequest{CallerIP: callerIP, SessionID: 0xbeef, Script: "SYSTEM:setVar(\"a\", 1)"}
	data := req.Encode()
	assert.Equal(t, "req:192.168.1.10:0000beef:SYSTEM:setVar(\"a\", 1)\r\n", string(data))

	got, ok := ParseExecuteRequest(data)
	require.True(t, ok)
	assert.Equal(t, req, got)

	resp := &ExecuteResponse{CallerIP: callerIP, SessionID: 0xbeef, Value: "a:b"}
	gotResp, ok := ParseExecuteResponse(resp.Encode())
	require.True(t, ok)
	assert.Equal(t, resp, gotResp)
}

func TestExecuteResponse_EmptyValue(t *testing.T) {
	resp := &ExecuteResponse{CallerIP: callerIP, SessionID: 1}
	got, ok := ParseExecuteResponse(resp.Encode())
	require.True(t, ok)
	assert.Equal(t, "", got.Value)
}

func TestLiteralResponses(t *testing.T) {
	assert.True(t, IsAck([]byte("resp:OK\r\n")))
	assert.False(t, IsAck([]byte("resp:OKAY")))

	_, ok := ParseErrorResponse([]byte("resp:ERROR"))
	assert.True(t, ok)
	_, ok = ParseStartFileServerRequest([]byte("req_start_ftp"))
	assert.True(t, ok)
	_, ok = ParseStartFileServerRequest([]byte("req_start_ftpx"))
	assert.False(t, ok)
}

func TestDecode_IdentifiesEveryKind(t *testing.T) {
	key, err := cipherkey.Generate()
	require.NoError(t, err)
	discReq, err := NewDiscoverRequest(nonce(1), fixedIV(1), callerIP)
	require.NoError(t, err)
	discResp, err := NewDiscoverResponse(discReq, fixedIV(2), nil, 1, "000000000001")
	require.NoError(t, err)
	setKey, err := NewSetKeyRequest(key, nonce(2))
	require.NoError(t, err)

	cmds := []Command{
		discReq,
		discResp,
		setKey,
		&SetAddressRequest{Serial: 1, IP: deviceIP, Gateway: callerIP},
		&SetAddressResponse{Serial: 1, IP: deviceIP},
		&ResetRequest{CallerIP: callerIP},
		&ResetResponse{DeviceIP: deviceIP},
		&ExecuteRequest{CallerIP: callerIP, SessionID: 9, Script: "x"},
		&ExecuteResponse{CallerIP: callerIP, SessionID: 9, Value: "y"},
		StartFileServerRequest{},
		OKResponse{},
		ErrorResponse{},
	}
	for _, cmd := range cmds {
		t.Run(cmd.Kind().String(), func(t *testing.T) {
			got, ok := Decode(cmd.Encode())
			require.True(t, ok)
			assert.Equal(t, cmd.Kind(), got.Kind())
		})
	}
}

func TestDecode_MalformedNeverMatches(t *testing.T) {
	inputs := [][]byte{
		nil,
		{},
		[]byte("resp"),
		[]byte("resp:"),
		[]byte("req:1.2.3.4"),
		[]byte("req:1.2.3.4:zzzzzzzz:script"),
		[]byte("resp:1.2.3.4:0001:v"),
		[]byte("req_reset:not-an-ip"),
		[]byte("req_set_clu_ip:0000000g:1.2.3.4:1.2.3.5"),
		[]byte("resp_set_clu_ip:00000001"),
		bytes.Repeat([]byte{0xff}, 48),
		append(bytes.Repeat([]byte{0}, 48), []byte(":resp_discovery_clu:0000001:001122334455")...),
		append(bytes.Repeat([]byte{0}, 48), []byte(":resp_discovery_clu:00000001:00112233445z")...),
		append(bytes.Repeat([]byte{0}, 48), []byte(":req_set_key:short")...),
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() {
			_, ok := Decode(in)
			assert.False(t, ok, "%q", in)
		})
	}
}

func TestDecode_TruncatedFramesNeverMatchAnotherKind(t *testing.T) {
	full := (&SetAddressResponse{Serial: 0x10, IP: deviceIP}).Encode()
	for n := 0; n < len(full)-len("0.0.0.0")+1; n++ {
		cmd, ok := Decode(full[:n])
		if ok {
			assert.Equal(t, KindSetAddressResponse, cmd.Kind(), "prefix %q", full[:n])
		}
	}
}

func TestSealOpen(t *testing.T) {
	key, err := cipherkey.Generate()
	require.NoError(t, err)
	other, err := cipherkey.Generate()
	require.NoError(t, err)

	cmd := &ResetRequest{CallerIP: callerIP}
	sealed, err := Seal(key, cmd)
	require.NoError(t, err)
	assert.NotEqual(t, cmd.Encode(), sealed)

	plain, ok := Open(key, sealed)
	require.True(t, ok)
	assert.Equal(t, cmd.Encode(), plain)

	if plain, ok := Open(other, sealed); ok {
		_, decoded := Decode(plain)
		assert.False(t, decoded, "wrong key must not yield a valid frame")
	}
	_, ok = Open(nil, sealed)
	assert.False(t, ok)
}

func TestSeal_DiscoverTravelsInClear(t *testing.T) {
	req, err := NewDiscoverRequest(nonce(1), fixedIV(1), callerIP)
	require.NoError(t, err)
	data, err := Seal(nil, req)
	require.NoError(t, err)
	assert.Equal(t, req.Encode(), data)
}

func TestSeal_NilKeyRejectedForSealedKinds(t *testing.T) {
	_, err := Seal(nil, OKResponse{})
	assert.ErrorIs(t, err, cipherkey.ErrInvalidKey)
}

func TestNewSessionID_UniqueAndNonZero(t *testing.T) {
	const n = 1000
	var mu sync.Mutex
	seen := make(map[uint32]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := NewSessionID()
			mu.Lock()
			defer mu.Unlock()
			assert.NotZero(t, id)
			assert.False(t, seen[id])
			seen[id] = true
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}
