package transport

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// classify maps a dial/resolve error onto a [ConnectErrorKind] using
// structured error inspection (errors.As/errors.Is) rather than string
// matching on the error message.
func classify(err error) ConnectErrorKind {
	if err == nil {
		return ErrOther
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrUnreachable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrRefused
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Timeout() {
		return ErrTimeout
	}

	return ErrUnreachable
}
