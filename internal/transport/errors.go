package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"syscall"
)

// ErrorKind is the category of a transport failure
type ErrorKind int

const (
	// KindIO is any other socket failure
	KindIO ErrorKind = iota
	// KindTimeout means a deadline passed
	KindTimeout
	// KindClosed means the socket was closed underneath the operation
	KindClosed
	// KindUnreachable means the host or network rejected the datagram
	KindUnreachable
	// KindPermission means the OS refused the socket (raw ICMP, broadcast)
	KindPermission
)

func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "I/O Error"
	case KindTimeout:
		return "Timeout"
	case KindClosed:
		return "Socket Closed"
	case KindUnreachable:
		return "Unreachable"
	case KindPermission:
		return "Permission Denied"
	default:
		return fmt.Sprintf("ErrorKind(%d)", k)
	}
}

// NetError is a classified socket failure
type NetError struct {
	Kind      ErrorKind
	Op        string         // send, receive, listen, probe
	Peer      netip.AddrPort // zero when not applicable
	Err       error
	Retryable bool
}

func (e *NetError) Error() string {
	if e.Peer.IsValid() {
		return fmt.Sprintf("%s %s: %s (caused by: %v)", e.Op, e.Peer, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s (caused by: %v)", e.Op, e.Kind, e.Err)
}

func (e *NetError) Unwrap() error {
	return e.Err
}

// Classify wraps err into a *NetError. It returns nil for nil and passes
// context errors and existing *NetError values through unchanged.
func Classify(err error, op string, peer netip.AddrPort) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ne *NetError
	if errors.As(err, &ne) {
		return err
	}

	e := &NetError{Kind: KindIO, Op: op, Peer: peer, Err: err}
	switch {
	case os.IsTimeout(err) || errors.Is(err, os.ErrDeadlineExceeded):
		e.Kind = KindTimeout
		e.Retryable = true
	case errors.Is(err, net.ErrClosed):
		e.Kind = KindClosed
	case errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.ECONNREFUSED):
		e.Kind = KindUnreachable
		e.Retryable = true
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		e.Kind = KindPermission
	}
	return e
}

// IsTimeout reports whether err is a classified or raw timeout
func IsTimeout(err error) bool {
	var ne *NetError
	if errors.As(err, &ne) {
		return ne.Kind == KindTimeout
	}
	return err != nil && (os.IsTimeout(err) || errors.Is(err, os.ErrDeadlineExceeded))
}

// IsClosed reports whether err comes from a closed socket
func IsClosed(err error) bool {
	var ne *NetError
	if errors.As(err, &ne) {
		return ne.Kind == KindClosed
	}
	return errors.Is(err, net.ErrClosed)
}

// IsRetryable reports whether the failed operation may succeed if repeated
func IsRetryable(err error) bool {
	var ne *NetError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return false
}

// ShortMessage returns a one-line message suitable for terminal output
func ShortMessage(err error) string {
	var ne *NetError
	if !errors.As(err, &ne) {
		return err.Error()
	}
	switch ne.Kind {
	case KindTimeout:
		return "Device not responding (timeout)"
	case KindClosed:
		return "Connection closed"
	case KindUnreachable:
		return "Device unreachable - check network connection"
	case KindPermission:
		return "Permission denied - broadcast or ICMP may need elevated privileges"
	default:
		return "Network error - check connection"
	}
}
