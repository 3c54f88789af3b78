package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Code is the result of a transfer operation. The numeric values follow
// libcurl's CURLcode so logs stay comparable with curl-based tooling.
type Code int

const (
	CodeOK                  Code = 0
	CodeUnsupportedProtocol Code = 1
	CodeFailedInit          Code = 2
	CodeURLMalformat        Code = 3
	CodeCouldntResolveProxy Code = 5
	CodeCouldntResolveHost  Code = 6
	CodeCouldntConnect      Code = 7
	CodeWriteError          Code = 23
	CodeOperationTimedOut   Code = 28
	CodeAbortedByCallback   Code = 42
	CodeBadFunctionArgument Code = 43
	CodeGotNothing          Code = 52
	CodeRecvError           Code = 56
)

var codeNames = map[Code]string{
	CodeOK:                  "ok",
	CodeUnsupportedProtocol: "unsupported protocol",
	CodeFailedInit:          "failed init",
	CodeURLMalformat:        "url malformed",
	CodeCouldntResolveProxy: "couldn't resolve proxy",
	CodeCouldntResolveHost:  "couldn't resolve host",
	CodeCouldntConnect:      "couldn't connect",
	CodeWriteError:          "write callback refused data",
	CodeOperationTimedOut:   "operation timed out",
	CodeAbortedByCallback:   "aborted",
	CodeBadFunctionArgument: "bad function argument",
	CodeGotNothing:          "got nothing",
	CodeRecvError:           "receive failure",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code %d", int(c))
}

// Error lets a Code be used as an errors.Is target.
func (c Code) Error() string { return c.String() }

// TransferError carries the Code of a failed operation and its cause.
type TransferError struct {
	Code Code
	Err  error
}

func newError(code Code, err error) *TransferError {
	return &TransferError{Code: code, Err: err}
}

func (e *TransferError) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Err.Error()
}

func (e *TransferError) Unwrap() error { return e.Err }

// Is reports whether target is the same Code.
func (e *TransferError) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.Code
}

// CodeOf extracts the Code from err; nil maps to CodeOK and foreign errors
// to CodeRecvError.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var te *TransferError
	if errors.As(err, &te) {
		return te.Code
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return CodeRecvError
}

// classify maps an error from the request round trip onto a Code.
func classify(err error, viaProxy bool) *TransferError {
	var (
		dnsErr *net.DNSError
		opErr  *net.OpError
		netErr net.Error
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newError(CodeOperationTimedOut, err)
	case errors.Is(err, context.Canceled):
		return newError(CodeAbortedByCallback, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return newError(CodeOperationTimedOut, err)
	case errors.As(err, &dnsErr):
		if viaProxy {
			return newError(CodeCouldntResolveProxy, err)
		}
		return newError(CodeCouldntResolveHost, err)
	case errors.As(err, &opErr) && (opErr.Op == "dial" || opErr.Op == "proxyconnect"):
		return newError(CodeCouldntConnect, err)
	default:
		return newError(CodeGotNothing, err)
	}
}
