package errors

import (
	"fmt"
	"net/url"
	"time"
)

// TransportErrorData contains structured data for transport-related errors
type TransportErrorData struct {
	Transport  string `json:"transport"`
	Operation  string `json:"operation,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	Retryable  bool   `json:"retryable"`
	Reason     string `json:"reason,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

func reasonOf(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}

// TransportError creates a generic transport error
func TransportError(transport, operation string, cause error) MCPError {
	message := fmt.Sprintf("%s transport error", transport)
	if operation != "" {
		message = fmt.Sprintf("%s transport error during %s", transport, operation)
	}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return WrapError(
		cause,
		CodeTransportError,
		message,
		CategoryTransport,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport: transport,
		Operation: operation,
		Retryable: true,
		Reason:    reasonOf(cause),
	})
}

// ConnectionFailed creates an error for connection failures
func ConnectionFailed(transport, endpoint string, cause error) MCPError {
	message := fmt.Sprintf("Failed to connect via %s", transport)
	if endpoint != "" {
		message = fmt.Sprintf("Failed to connect to %s via %s", endpoint, transport)
	}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	host := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host
	}

	return WrapError(
		cause,
		CodeConnectionFailed,
		message,
		CategoryTransport,
		SeverityCritical,
	).WithData(&TransportErrorData{
		Transport: transport,
		Endpoint:  host,
		Retryable: true,
		Reason:    reasonOf(cause),
	})
}

// ConnectionLost is returned to callers still waiting when the peer goes away
func ConnectionLost(transport string, cause error) MCPError {
	message := fmt.Sprintf("Lost connection via %s", transport)
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}
	return WrapError(
		cause,
		CodeConnectionLost,
		message,
		CategoryTransport,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport: transport,
		Reason:    reasonOf(cause),
	})
}

// ConnectionTimeout creates an error for requests whose response never arrived
func ConnectionTimeout(transport, method string, timeout time.Duration) MCPError {
	return NewError(
		CodeConnectionTimeout,
		fmt.Sprintf("%s request %s timed out after %v", transport, method, timeout),
		CategoryTransport,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport: transport,
		Operation: method,
		Retryable: true,
		Reason:    "timeout",
	})
}

// HTTPTransportError creates an error for HTTP status failures
func HTTPTransportError(operation, endpoint string, statusCode int, cause error) MCPError {
	message := fmt.Sprintf("HTTP transport error during %s", operation)
	if statusCode > 0 {
		message = fmt.Sprintf("%s (status %d)", message, statusCode)
	}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return WrapError(
		cause,
		CodeTransportError,
		message,
		CategoryTransport,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport:  "http",
		Operation:  operation,
		Endpoint:   endpoint,
		StatusCode: statusCode,
		Retryable:  statusCode >= 500 || statusCode == 429,
		Reason:     reasonOf(cause),
	})
}

// StdioTransportError creates an error for pipe transport issues
func StdioTransportError(operation string, cause error) MCPError {
	return TransportError("stdio", operation, cause)
}

// TransportNotInitialized is returned when Start or Send run before Initialize
func TransportNotInitialized(transport string) MCPError {
	return NewError(
		CodeTransportError,
		fmt.Sprintf("%s transport is not initialized", transport),
		CategoryTransport,
		SeverityError,
	)
}

// TransportClosed is returned for sends on a stopped transport
func TransportClosed(transport string) MCPError {
	return NewError(
		CodeConnectionLost,
		fmt.Sprintf("%s transport is closed", transport),
		CategoryTransport,
		SeverityError,
	)
}
