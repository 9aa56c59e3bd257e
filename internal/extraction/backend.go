package extraction

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Backend interface {
	Name() string
	ExtractFromPDF(ctx context.Context, data []byte, filename string) (Result, error)
	ExtractFromImage(ctx context.Context, data []byte, mimeType, filename string) (Result, error)
}

type ErrorKind string

const (
	KindQuota           ErrorKind = "quota"
	KindAuth            ErrorKind = "auth"
	KindNetwork         ErrorKind = "network"
	KindTimeout         ErrorKind = "timeout"
	KindInvalidResponse ErrorKind = "invalid_response"
	KindUnsupported     ErrorKind = "unsupported"
	KindUnknown         ErrorKind = "unknown"
)

type BackendError struct {
	Backend string
	Kind    ErrorKind
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s error: %v", e.Backend, e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func newBackendError(backend string, kind ErrorKind, err error) *BackendError {
	return &BackendError{Backend: backend, Kind: kind, Err: err}
}

// classifyError maps client library failures onto the backend error kinds.
func classifyError(backend string, err error) error {
	if err == nil {
		return nil
	}
	var backendErr *BackendError
	if errors.As(err, &backendErr) {
		return backendErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newBackendError(backend, KindTimeout, err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return newBackendError(backend, kindForHTTPStatus(apiErr.HTTPStatusCode), err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return newBackendError(backend, kindForHTTPStatus(reqErr.HTTPStatusCode), err)
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown && st.Code() != codes.OK {
		switch st.Code() {
		case codes.ResourceExhausted:
			return newBackendError(backend, KindQuota, err)
		case codes.Unauthenticated, codes.PermissionDenied:
			return newBackendError(backend, KindAuth, err)
		case codes.Unavailable:
			return newBackendError(backend, KindNetwork, err)
		case codes.DeadlineExceeded:
			return newBackendError(backend, KindTimeout, err)
		}
		return newBackendError(backend, KindUnknown, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return newBackendError(backend, KindTimeout, err)
		}
		return newBackendError(backend, KindNetwork, err)
	}
	return newBackendError(backend, KindUnknown, err)
}

func kindForHTTPStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindQuota
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code >= 500:
		return KindNetwork
	default:
		return KindUnknown
	}
}
