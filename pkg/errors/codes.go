package errors

// JSON-RPC 2.0 Standard Error Codes
const (
	// CodeParseError indicates invalid JSON was received by the server
	CodeParseError int = -32700

	// CodeInvalidRequest indicates the JSON sent is not a valid Request object
	CodeInvalidRequest int = -32600

	// CodeMethodNotFound indicates the method does not exist / is not available
	CodeMethodNotFound int = -32601

	// CodeInvalidParams indicates invalid method parameter(s). MCP also uses it
	// for unknown tools, unknown prompts, bad arguments and bad cursors.
	CodeInvalidParams int = -32602

	// CodeInternalError indicates internal JSON-RPC error
	CodeInternalError int = -32603
)

// MCP-Specific Error Codes
const (
	// Server lifecycle errors (-32000 to -32099)
	CodeServerInitError  int = -32000 // Error during server initialization
	CodeServerNotReady   int = -32001 // Request arrived before initialize
	CodeResourceNotFound int = -32002 // No resource or template matches the URI

	// Registry errors (-32200 to -32299)
	CodeResourceConflict int = -32202 // Identifier already registered

	// Operation errors (-32300 to -32399)
	CodeOperationCancelled int = -32300 // Operation was cancelled
	CodeOperationTimeout   int = -32301 // Operation timed out
	CodeOperationFailed    int = -32302 // Operation failed

	// Transport errors (-32500 to -32599)
	CodeTransportError    int = -32500 // Generic transport error
	CodeConnectionFailed  int = -32501 // Failed to establish connection
	CodeConnectionLost    int = -32502 // Connection lost during operation
	CodeConnectionTimeout int = -32503 // Connection timed out

	// Provider errors (-32650 to -32699)
	CodeProviderNotConfigured int = -32650 // Capability kind has no handlers
	CodeProviderUnavailable   int = -32651 // Backend unavailable
	CodeProviderError         int = -32652 // Backend reported a failure

	// Validation errors (-32750 to -32799)
	CodeValidationError int = -32750 // Generic validation error
)

// ErrorCodeInfo provides human-readable information about error codes
type ErrorCodeInfo struct {
	Code        int
	Name        string
	Description string
	Category    Category
	Severity    Severity
}

var errorCodeRegistry = map[int]ErrorCodeInfo{
	CodeParseError:     {CodeParseError, "ParseError", "Invalid JSON was received", CategoryProtocol, SeverityError},
	CodeInvalidRequest: {CodeInvalidRequest, "InvalidRequest", "Invalid Request object", CategoryProtocol, SeverityError},
	CodeMethodNotFound: {CodeMethodNotFound, "MethodNotFound", "Method does not exist", CategoryProtocol, SeverityError},
	CodeInvalidParams:  {CodeInvalidParams, "InvalidParams", "Invalid method parameters", CategoryValidation, SeverityError},
	CodeInternalError:  {CodeInternalError, "InternalError", "Internal JSON-RPC error", CategoryInternal, SeverityError},

	CodeServerInitError:  {CodeServerInitError, "ServerInitError", "Server initialization failed", CategoryInternal, SeverityCritical},
	CodeServerNotReady:   {CodeServerNotReady, "ServerNotReady", "Server not initialized", CategoryProtocol, SeverityError},
	CodeResourceNotFound: {CodeResourceNotFound, "ResourceNotFound", "Resource not found", CategoryNotFound, SeverityError},

	CodeResourceConflict: {CodeResourceConflict, "ResourceConflict", "Identifier already registered", CategoryValidation, SeverityError},

	CodeOperationCancelled: {CodeOperationCancelled, "OperationCancelled", "Operation cancelled", CategoryCancelled, SeverityInfo},
	CodeOperationTimeout:   {CodeOperationTimeout, "OperationTimeout", "Operation timed out", CategoryTimeout, SeverityError},
	CodeOperationFailed:    {CodeOperationFailed, "OperationFailed", "Operation failed", CategoryInternal, SeverityError},

	CodeTransportError:    {CodeTransportError, "TransportError", "Transport error", CategoryTransport, SeverityError},
	CodeConnectionFailed:  {CodeConnectionFailed, "ConnectionFailed", "Connection failed", CategoryTransport, SeverityCritical},
	CodeConnectionLost:    {CodeConnectionLost, "ConnectionLost", "Connection lost", CategoryTransport, SeverityError},
	CodeConnectionTimeout: {CodeConnectionTimeout, "ConnectionTimeout", "Connection timeout", CategoryTransport, SeverityError},

	CodeProviderNotConfigured: {CodeProviderNotConfigured, "ProviderNotConfigured", "Provider not configured", CategoryProvider, SeverityError},
	CodeProviderUnavailable:   {CodeProviderUnavailable, "ProviderUnavailable", "Provider unavailable", CategoryProvider, SeverityError},
	CodeProviderError:         {CodeProviderError, "ProviderError", "Provider error", CategoryProvider, SeverityError},

	CodeValidationError: {CodeValidationError, "ValidationError", "Validation error", CategoryValidation, SeverityError},
}

// GetErrorCodeInfo returns information about an error code
func GetErrorCodeInfo(code int) (ErrorCodeInfo, bool) {
	info, exists := errorCodeRegistry[code]
	return info, exists
}

// GetErrorCodeName returns the name of an error code
func GetErrorCodeName(code int) string {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Name
	}
	return "UnknownError"
}

// GetErrorCodeCategory returns the category of an error code
func GetErrorCodeCategory(code int) Category {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Category
	}
	return CategoryInternal
}

// GetErrorCodeSeverity returns the severity of an error code
func GetErrorCodeSeverity(code int) Severity {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Severity
	}
	return SeverityError
}
