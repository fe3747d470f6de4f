package errors

import (
	"fmt"
)

// CapabilityErrorData describes which registry entry an error refers to
type CapabilityErrorData struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// ProviderErrorData contains structured data for backend failures
type ProviderErrorData struct {
	ProviderType string `json:"provider_type"`
	Operation    string `json:"operation,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// OperationErrorData contains structured data for operation-related errors
type OperationErrorData struct {
	Operation string `json:"operation"`
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable"`
}

// Capability errors

// ToolNotFound is reported for tools/call on a name the registry does not hold.
func ToolNotFound(name string) MCPError {
	return NewError(
		CodeInvalidParams,
		fmt.Sprintf("Unknown tool: %s", name),
		CategoryNotFound,
		SeverityError,
	).WithData(&CapabilityErrorData{Kind: "tool", ID: name})
}

// PromptNotFound is reported for prompts/get on an unknown prompt name.
func PromptNotFound(name string) MCPError {
	return NewError(
		CodeInvalidParams,
		fmt.Sprintf("Unknown prompt: %s", name),
		CategoryNotFound,
		SeverityError,
	).WithData(&CapabilityErrorData{Kind: "prompt", ID: name})
}

// ResourceNotFoundByURI is reported when neither a static resource nor a
// template matches the URI.
func ResourceNotFoundByURI(uri string) MCPError {
	return NewError(
		CodeResourceNotFound,
		fmt.Sprintf("Resource not found: %s", uri),
		CategoryNotFound,
		SeverityError,
	).WithData(map[string]string{"uri": uri})
}

// DuplicateCapability is returned by the registry when a tool name, prompt
// name, resource URI or template pattern is already taken.
func DuplicateCapability(kind, id string) MCPError {
	return NewError(
		CodeResourceConflict,
		fmt.Sprintf("%s %q is already registered", kind, id),
		CategoryValidation,
		SeverityError,
	).WithData(&CapabilityErrorData{Kind: kind, ID: id})
}

// CapabilityNotConfigured is returned for list or call methods of a kind the
// server never advertised.
func CapabilityNotConfigured(kind string) MCPError {
	return NewError(
		CodeProviderNotConfigured,
		fmt.Sprintf("%s capability is not configured", kind),
		CategoryProvider,
		SeverityError,
	)
}

// Provider errors

// ProviderUnavailable creates an error for a backend that cannot be reached
func ProviderUnavailable(providerType, reason string) MCPError {
	return NewError(
		CodeProviderUnavailable,
		fmt.Sprintf("%s provider is unavailable: %s", providerType, reason),
		CategoryProvider,
		SeverityError,
	).WithData(&ProviderErrorData{
		ProviderType: providerType,
		Reason:       reason,
	})
}

// ProviderError wraps a failure reported by a backend such as the mail
// scripting host or a proxied server.
func ProviderError(providerType, operation string, cause error) MCPError {
	message := fmt.Sprintf("%s provider error during %s", providerType, operation)
	reason := ""
	if cause != nil {
		reason = cause.Error()
		message = fmt.Sprintf("%s: %s", message, reason)
	}

	return WrapError(
		cause,
		CodeProviderError,
		message,
		CategoryProvider,
		SeverityError,
	).WithData(&ProviderErrorData{
		ProviderType: providerType,
		Operation:    operation,
		Reason:       reason,
	})
}

// Operation errors

// OperationCancelled creates an error for cancelled operations
func OperationCancelled(operation string) MCPError {
	return NewError(
		CodeOperationCancelled,
		fmt.Sprintf("Operation '%s' was cancelled", operation),
		CategoryCancelled,
		SeverityInfo,
	).WithData(&OperationErrorData{
		Operation: operation,
		Reason:    "cancelled",
	})
}

// OperationTimeout creates an error for timed-out operations
func OperationTimeout(operation string, timeout fmt.Stringer) MCPError {
	return NewError(
		CodeOperationTimeout,
		fmt.Sprintf("Operation '%s' timed out after %s", operation, timeout),
		CategoryTimeout,
		SeverityError,
	).WithData(&OperationErrorData{
		Operation: operation,
		Reason:    "timeout",
		Retryable: true,
	})
}

// ServerNotReady is returned for feature requests that arrive before the
// initialize handshake.
func ServerNotReady(method string) MCPError {
	return NewError(
		CodeServerNotReady,
		"Server not initialized",
		CategoryProtocol,
		SeverityError,
	).WithDetail(fmt.Sprintf("method %s requires initialize first", method))
}

// MethodNotFound is returned for JSON-RPC methods without a handler.
func MethodNotFound(method string) MCPError {
	return NewError(
		CodeMethodNotFound,
		fmt.Sprintf("Method not found: %s", method),
		CategoryProtocol,
		SeverityError,
	)
}

// CreateInternalError wraps an unexpected failure
func CreateInternalError(operation string, cause error) MCPError {
	message := fmt.Sprintf("Internal error during %s", operation)
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}
	return WrapError(cause, CodeInternalError, message, CategoryInternal, SeverityError)
}
