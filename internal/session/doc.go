// Package session talks to one CLU.
//
// A Client owns a UDP socket, the device identity and the active cipher
// key. Requests are serialised: at most one is in flight per Client, and
// every request is bounded by the configured timeout. An absent response is
// reported as ok == false with a nil error. The protocol cannot tell a
// device that holds a different key from one that is offline, so neither
// can this package.
//
// SetKey rotates the active key in place once the device acknowledges the
// new key. SetAddress moves the Client to the accepted address.
package session
