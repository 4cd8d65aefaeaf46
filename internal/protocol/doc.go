// Package protocol implements the CLU UDP command protocol.
//
// Every datagram is a hybrid frame: an optional fixed-width binary prefix
// (challenge ciphertext and IV), ASCII segments delimited by ':' and a
// free-form text tail (script source, return values, addresses).
//
// # Frame Codec
//
// Frames are built from parts in order. Separators are explicit parts:
//
//	data := protocol.Serialize(
//	    protocol.Text("req_reset"), protocol.Sep,
//	    protocol.IPv4(callerIP),
//	)
//
// Parsing is two-phase. A Layout first validates the buffer purely by
// position (minimum length, ':' at fixed offsets, the command tag at a
// fixed offset). Only then are typed fields extracted, so the text tail
// never needs escaping.
//
// # Command Catalog
//
//	Discover         enc iv :req_discovery_clu:<ip>
//	                 enc iv :resp_discovery_clu:<serial>:<mac>
//	SetKey           enc iv :req_set_key:<secret>        resp:OK
//	SetAddress       req_set_clu_ip:<serial>:<ip>:<gw>   resp_set_clu_ip:<serial>:<ip>
//	Reset            req_reset:<ip>                      resp_reset:<ip>
//	Execute          req:<ip>:<sid>:<script>\r\n         resp:<ip>:<sid>:<value>
//	StartFileServer  req_start_ftp                       resp:OK
//	Error            resp:ERROR
//
// Integers are lowercase hex, left padded with '0'. Serial numbers and
// session ids are 8 digits wide. Addresses are dotted decimal.
//
// # Sealing
//
// Discover frames travel in clear; their authentication lives in the
// challenge. Every other frame is sealed whole with the session cipher key
// (see Seal and Open). A frame sealed with a key the receiver does not hold
// simply fails to parse.
//
// # Thread Safety
//
// Encoding and parsing are stateless. Session id generation is atomic.
package protocol
