package sshx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/vesper-app/vesper/core/models"
)

// ConnectError carries a stable error code describing why establishing a
// session failed. It is reported to the UI through ConnectResult rather
// than raised.
type ConnectError struct {
	Code    models.ErrorCode
	Message string
	Err     error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ConnectError) Unwrap() error { return e.Err }

func connectErr(code models.ErrorCode, message string, err error) *ConnectError {
	return &ConnectError{Code: code, Message: message, Err: err}
}

// classifyDialError maps OS-level TCP dial failures to stable codes.
func classifyDialError(addr string, err error) *ConnectError {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return connectErr(models.CodeConnectionRefused,
			fmt.Sprintf("connection refused by %s", addr), err)
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return connectErr(models.CodeHostUnreachable,
			fmt.Sprintf("host %s unreachable", addr), err)
	case isTimeout(err):
		return connectErr(models.CodeConnectionTimeout,
			fmt.Sprintf("connection to %s timed out", addr), err)
	default:
		return connectErr(models.CodeTCPConnectionError,
			fmt.Sprintf("failed to connect to %s", addr), err)
	}
}

// classifyHandshakeError separates authentication rejections from transport
// and protocol failures. The ssh package folds both into the handshake, so
// the distinction rides on the error text it produces.
func classifyHandshakeError(err error) *ConnectError {
	if strings.Contains(err.Error(), "unable to authenticate") {
		return connectErr(models.CodeSSHAuthError, "authentication failed", err)
	}
	return connectErr(models.CodeSSHHandshakeError, "SSH handshake failed", err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// AsConnectError extracts a ConnectError, wrapping unknown errors as a
// generic connection failure.
func AsConnectError(err error) *ConnectError {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce
	}
	return connectErr(models.CodeConnectionFailed, "connection failed", err)
}
