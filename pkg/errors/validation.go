package errors

import (
	"fmt"
)

// ParameterErrorData contains structured data for argument errors
type ParameterErrorData struct {
	Target string `json:"target"`
	Reason string `json:"reason,omitempty"`
}

// PaginationErrorData contains structured data for pagination errors
type PaginationErrorData struct {
	Cursor string `json:"cursor,omitempty"`
	Reason string `json:"reason"`
}

// ValidationError creates a generic validation error
func ValidationError(message string) MCPError {
	return NewError(CodeValidationError, message, CategoryValidation, SeverityError)
}

// ValidationErrorf creates a generic validation error with formatting
func ValidationErrorf(format string, args ...interface{}) MCPError {
	return NewErrorf(CodeValidationError, CategoryValidation, SeverityError, format, args...)
}

// InvalidParams reports malformed request parameters
func InvalidParams(method string, cause error) MCPError {
	message := fmt.Sprintf("Invalid params for %s", method)
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}
	return WrapError(cause, CodeInvalidParams, message, CategoryValidation, SeverityError)
}

// InvalidArguments is raised when the arguments of a tool or prompt fail
// validation or cannot be coerced into the handler's argument type.
func InvalidArguments(target, detail string) MCPError {
	return NewError(
		CodeInvalidParams,
		fmt.Sprintf("Invalid arguments for %s: %s", target, detail),
		CategoryValidation,
		SeverityError,
	).WithData(&ParameterErrorData{
		Target: target,
		Reason: detail,
	})
}

// InvalidToolInput reports input a tool rejected after its arguments were
// decoded. It is returned to the client as an isError result.
func InvalidToolInput(tool, detail string) MCPError {
	return NewError(
		CodeValidationError,
		fmt.Sprintf("Invalid input for %s: %s", tool, detail),
		CategoryValidation,
		SeverityError,
	).WithData(&ParameterErrorData{
		Target: tool,
		Reason: detail,
	})
}

// MissingArgument reports a required argument that was not supplied
func MissingArgument(target, name string) MCPError {
	return InvalidArguments(target, fmt.Sprintf("missing required argument %q", name))
}

// InvalidCursor creates an error for pagination cursors the server did not issue
func InvalidCursor(cursor, reason string) MCPError {
	return NewError(
		CodeInvalidParams,
		fmt.Sprintf("Invalid cursor: %s", reason),
		CategoryValidation,
		SeverityError,
	).WithData(&PaginationErrorData{
		Cursor: cursor,
		Reason: reason,
	})
}

// ConfigError reports an invalid configuration value
func ConfigError(field, reason string) MCPError {
	return NewError(
		CodeValidationError,
		fmt.Sprintf("invalid %s: %s", field, reason),
		CategoryValidation,
		SeverityCritical,
	)
}
