package errors

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/mcpmacos/mcphost/pkg/protocol"
)

// ToJSONRPCError converts any error to a JSON-RPC error object.
// Protocol errors pass through unchanged, MCPErrors keep their code and data,
// context cancellation maps to OperationCancelled and anything else becomes
// an internal error.
func ToJSONRPCError(err error) *protocol.Error {
	if err == nil {
		return nil
	}

	var rpcErr *protocol.Error
	if stderrors.As(err, &rpcErr) {
		return rpcErr
	}

	if mcpErr, ok := AsMCPError(err); ok {
		return &protocol.Error{
			Code:    protocol.ErrorCode(mcpErr.Code()),
			Message: mcpErr.Error(),
			Data:    mcpErr.Data(),
		}
	}

	if stderrors.Is(err, context.Canceled) {
		return &protocol.Error{
			Code:    protocol.ErrorCode(CodeOperationCancelled),
			Message: "Request cancelled",
		}
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return &protocol.Error{
			Code:    protocol.ErrorCode(CodeOperationTimeout),
			Message: "Request timed out",
		}
	}

	return &protocol.Error{
		Code:    protocol.InternalError,
		Message: err.Error(),
	}
}

// ToJSONRPCResponse builds an error response for the request with the given ID
func ToJSONRPCResponse(err error, requestID interface{}) (*protocol.Response, error) {
	if err == nil {
		return nil, fmt.Errorf("cannot create error response from nil error")
	}
	return protocol.NewErrorResponse(requestID, ToJSONRPCError(err)), nil
}

// FromJSONRPCError converts a JSON-RPC error received from a peer into an MCPError
func FromJSONRPCError(rpcErr *protocol.Error) MCPError {
	if rpcErr == nil {
		return nil
	}

	code := int(rpcErr.Code)
	err := WrapError(rpcErr, code, rpcErr.Message, GetErrorCodeCategory(code), GetErrorCodeSeverity(code))
	if rpcErr.Data != nil {
		err = err.WithData(rpcErr.Data)
	}
	return err
}

// WithMethod annotates err with the JSON-RPC method and request ID it failed under
func WithMethod(err error, method string, requestID interface{}) MCPError {
	if err == nil {
		return nil
	}

	ctx := &Context{Method: method}
	if requestID != nil {
		ctx.RequestID = fmt.Sprintf("%v", requestID)
	}

	if mcpErr, ok := AsMCPError(err); ok {
		return mcpErr.WithContext(ctx)
	}
	return CreateInternalError(method, err).WithContext(ctx)
}
