package api

import (
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TransportResult classifies the outcome of a call to the backend.
type TransportResult int

const (
	Success TransportResult = iota
	ResponseTimeout
	SendError
	OtherError
)

func (r TransportResult) String() string {
	switch r {
	case Success:
		return "success"
	case ResponseTimeout:
		return "timeout"
	case SendError:
		return "send_error"
	default:
		return "other"
	}
}

const (
	timeoutMessage   = "upstream request timeout"
	sendErrorMessage = "upstream connect error or disconnect/reset before headers"

	invalidDictionaryMessage = "Request could not be processed due to invalid attributes"
)

// TransportStatus classifies err as returned by a transport.
// Only Unavailable errors with the proxy's well-known messages are timeouts or send errors.
func TransportStatus(err error) TransportResult {
	if err == nil {
		return Success
	}
	st, ok := status.FromError(err)
	if ok && st.Code() == codes.Unavailable {
		switch {
		case strings.HasPrefix(st.Message(), timeoutMessage):
			return ResponseTimeout
		case strings.HasPrefix(st.Message(), sendErrorMessage):
			return SendError
		}
	}
	return OtherError
}

// TimeoutError returns the error a proxy reports for an upstream timeout.
func TimeoutError() error {
	return status.Error(codes.Unavailable, timeoutMessage)
}

// SendErrorError returns the error a proxy reports when the upstream connection fails.
func SendErrorError() error {
	return status.Error(codes.Unavailable, sendErrorMessage)
}

// InvalidDictionaryError returns the error a backend reports when it cannot
// decode words against the client's global dictionary.
func InvalidDictionaryError() error {
	return status.Error(codes.InvalidArgument, invalidDictionaryMessage)
}

// IsInvalidDictionary reports whether err means the backend rejected the dictionary.
func IsInvalidDictionary(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	return ok && st.Code() == codes.InvalidArgument &&
		strings.HasPrefix(st.Message(), invalidDictionaryMessage)
}

// StatusErr converts a wire status into an error; OK and nil become nil.
func StatusErr(st *status.Status) error {
	if st == nil {
		return nil
	}
	return st.Err()
}

// Code returns the gRPC code carried by err, OK for nil.
func Code(err error) codes.Code {
	return status.Code(err)
}
