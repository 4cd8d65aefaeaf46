// Package transport carries CLU datagrams and correlates responses.
//
// A Conn wraps one UDP socket. Exchange sends a single request and polls
// the socket until an acceptor recognises a response or the deadline
// passes:
//
//	Idle -> Sent -> Polling -> Matched | TimedOut
//
// Nothing is retransmitted inside Exchange. Callers that need request-level
// retries wrap it in PollUntil. A timeout is not an error: Exchange returns
// ok == false with a nil error, because a device that holds a different key
// stays silent and the two cases cannot be told apart.
//
// Collect is the broadcast variant used by discovery. It accepts replies
// from any source, deduplicates them and stops at a limit or when the
// window closes.
//
// Socket failures are classified into *NetError values.
package transport
