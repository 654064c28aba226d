package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// Transport error taxonomy. Errors returned by this package wrap one of
// these sentinels; match with [errors.Is].
var (
	// ErrAuthentication reports missing, unreadable or rejected
	// credentials. It is fatal: retrying with the same credentials
	// cannot succeed.
	ErrAuthentication = errors.New("authentication failed")

	// ErrNetwork reports an unreachable endpoint or a dropped session.
	// The manager recovers from it with backoff.
	ErrNetwork = errors.New("network error")

	// ErrTimeout reports a connect or acknowledged publish that
	// exceeded its configured budget.
	ErrTimeout = errors.New("operation timed out")

	// ErrNotConnected is returned by Publish when there is no session
	// and offline queuing is disabled.
	ErrNotConnected = errors.New("not connected")

	// ErrQueueFull is returned by Publish when the bounded offline
	// queue is at capacity and the drop policy is reject.
	ErrQueueFull = errors.New("offline queue full")

	// ErrClosed is returned by operations on a manager after
	// Disconnect.
	ErrClosed = errors.New("connection manager closed")
)

// classify wraps err with the taxonomy sentinel that best describes it.
// Errors already carrying a sentinel are returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{ErrAuthentication, ErrNetwork, ErrTimeout, ErrNotConnected, ErrQueueFull, ErrClosed} {
		if errors.Is(err, sentinel) {
			return err
		}
	}

	switch {
	case isAuthError(err):
		return fmt.Errorf("%w: %w", ErrAuthentication, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
}

// isAuthError reports whether err is a TLS verification failure or a
// TLS alert sent by the broker when it rejects the client certificate.
func isAuthError(err error) bool {
	var (
		verifyErr    *tls.CertificateVerificationError
		unknownAuth  x509.UnknownAuthorityError
		invalidCert  x509.CertificateInvalidError
		hostnameErr  x509.HostnameError
		alertErr     tls.AlertError
		recordHeader tls.RecordHeaderError
	)
	switch {
	case errors.As(err, &verifyErr),
		errors.As(err, &unknownAuth),
		errors.As(err, &invalidCert),
		errors.As(err, &hostnameErr):
		return true
	case errors.As(err, &alertErr):
		return true
	case isRemoteAlert(err):
		return true
	case errors.As(err, &recordHeader):
		// Plain-text reply to a TLS hello: wrong port or scheme, which
		// retrying will not fix either.
		return true
	}
	return false
}

// isRemoteAlert matches the *net.OpError crypto/tls returns when the
// peer aborts the handshake with an alert ("remote error: tls: bad
// certificate").
func isRemoteAlert(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "remote error"
}

// isTransient reports whether a dial error is worth retrying quickly.
// Kept separate from classify so logs can say why a retry happened.
func isTransient(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EHOSTUNREACH, // no route to host
			syscall.ENETUNREACH,  // network unreachable
			syscall.ECONNREFUSED, // broker restarting
			syscall.ECONNRESET:
			return true
		}
	}
	return false
}
