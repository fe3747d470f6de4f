package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	mcperrors "github.com/mcpmacos/mcphost/pkg/errors"
	"github.com/mcpmacos/mcphost/pkg/protocol"
	"github.com/mcpmacos/mcphost/pkg/utils"
)

type toolConfig struct {
	description     string
	allowAdditional bool
	annotations     *protocol.ToolAnnotations
}

// ToolOption configures a tool built by NewTool
type ToolOption func(*toolConfig)

// WithToolDescription sets the description advertised in tools/list
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithAllowAdditionalProperties accepts argument keys the argument type does not declare
func WithAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditional = allow }
}

// WithToolAnnotations attaches behavioral hints such as readOnlyHint
func WithToolAnnotations(a protocol.ToolAnnotations) ToolOption {
	return func(c *toolConfig) { c.annotations = &a }
}

// NewTool builds a tool whose arguments decode into A. The input schema is
// reflected from A. Arguments are coerced where the conversion is lossless
// ("2" to 2, 2.0 to 2); anything else is rejected with InvalidParams before
// fn runs. Errors from fn are tool failures, never InvalidParams, so the
// client sees them as an isError result. The value fn returns is converted
// by ToResult.
func NewTool[A any](name string, fn func(ctx context.Context, args A) (interface{}, error), opts ...ToolOption) (Tool, error) {
	cfg := &toolConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	schema, required, err := utils.GenerateJSONSchema(new(A), cfg.allowAdditional)
	if err != nil {
		return Tool{}, fmt.Errorf("tool %s: %w", name, err)
	}

	handler := func(ctx context.Context, raw map[string]interface{}) (*protocol.CallToolResult, error) {
		if missing := utils.MissingKeys(required, raw); len(missing) > 0 {
			return nil, mcperrors.MissingArgument(name, missing[0])
		}
		var args A
		if err := decodeArguments(raw, &args, !cfg.allowAdditional); err != nil {
			return nil, mcperrors.InvalidArguments(name, err.Error())
		}
		out, err := fn(ctx, args)
		if err != nil {
			// Only decoding failures above are protocol errors
			if mcperrors.IsCode(err, mcperrors.CodeInvalidParams) {
				return nil, mcperrors.WrapError(err, mcperrors.CodeValidationError, err.Error(),
					mcperrors.CategoryValidation, mcperrors.SeverityError)
			}
			return nil, err
		}
		return ToResult(out)
	}

	return Tool{
		Descriptor: protocol.Tool{
			Name:        name,
			Description: cfg.description,
			InputSchema: schema,
			Annotations: cfg.annotations,
		},
		Handler: handler,
	}, nil
}

// NewRawTool wraps a handler that receives arguments untouched. Proxied tools
// use it with the schema reported by the remote server.
func NewRawTool(desc protocol.Tool, h ToolHandler) Tool {
	if len(desc.InputSchema) == 0 {
		desc.InputSchema = json.RawMessage(`{"type":"object"}`)
	}
	return Tool{Descriptor: desc, Handler: h}
}

func decodeArguments(raw map[string]interface{}, target interface{}, strict bool) error {
	if raw == nil {
		raw = map[string]interface{}{}
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       rejectLossyNumbers,
		WeaklyTypedInput: true,
		TagName:          "json",
		ErrorUnused:      strict,
		Result:           target,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

// rejectLossyNumbers refuses float arguments with a fractional part for
// integer fields, which mapstructure would otherwise truncate.
func rejectLossyNumbers(from, to reflect.Type, data interface{}) (interface{}, error) {
	switch to.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
	default:
		return data, nil
	}
	switch from.Kind() {
	case reflect.Float32, reflect.Float64:
		f := reflect.ValueOf(data).Float()
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("cannot use %v as an integer", f)
		}
	case reflect.String:
		s := strings.TrimSpace(reflect.ValueOf(data).String())
		if _, err := strconv.ParseInt(s, 10, 64); err != nil {
			return nil, fmt.Errorf("cannot use %q as an integer", s)
		}
		return s, nil
	}
	return data, nil
}

// ToResult converts a handler's return value into a tool result.
// Strings, numbers and booleans become a single text block. Content values
// and results pass through. Anything else is rendered as JSON text and, when
// it is an object, also attached as structuredContent.
func ToResult(v interface{}) (*protocol.CallToolResult, error) {
	switch out := v.(type) {
	case nil:
		return &protocol.CallToolResult{Content: []protocol.Content{}}, nil
	case *protocol.CallToolResult:
		return out, nil
	case protocol.CallToolResult:
		return &out, nil
	case protocol.Content:
		return &protocol.CallToolResult{Content: []protocol.Content{out}}, nil
	case []protocol.Content:
		return &protocol.CallToolResult{Content: out}, nil
	case string:
		return textResult(out), nil
	case []byte:
		return textResult(string(out)), nil
	case bool:
		return textResult(strconv.FormatBool(out)), nil
	case float32:
		return textResult(strconv.FormatFloat(float64(out), 'f', -1, 32)), nil
	case float64:
		return textResult(strconv.FormatFloat(out, 'f', -1, 64)), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return textResult(fmt.Sprint(out)), nil
	case fmt.Stringer:
		return textResult(out.String()), nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, mcperrors.CreateInternalError("encode tool result", err)
	}
	res := textResult(string(data))

	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err == nil {
		res.StructuredContent = obj
	}
	return res, nil
}

func textResult(text string) *protocol.CallToolResult {
	return &protocol.CallToolResult{Content: []protocol.Content{protocol.TextContent(text)}}
}

type resourceConfig struct {
	description string
	mimeType    string
}

// ResourceOption configures resources and templates
type ResourceOption func(*resourceConfig)

// WithResourceDescription sets the description advertised in listings
func WithResourceDescription(desc string) ResourceOption {
	return func(c *resourceConfig) { c.description = desc }
}

// WithMimeType sets the MIME type of the resource's contents
func WithMimeType(mimeType string) ResourceOption {
	return func(c *resourceConfig) { c.mimeType = mimeType }
}

// NewResource builds a static resource whose handler returns text.
func NewResource(uri, name string, fn func(ctx context.Context) (string, error), opts ...ResourceOption) Resource {
	cfg := &resourceConfig{mimeType: "text/plain"}
	for _, opt := range opts {
		opt(cfg)
	}
	return Resource{
		Descriptor: protocol.Resource{
			URI:         uri,
			Name:        name,
			Description: cfg.description,
			MimeType:    cfg.mimeType,
		},
		Handler: func(ctx context.Context, req ResourceRequest) ([]protocol.ResourceContents, error) {
			text, err := fn(ctx)
			if err != nil {
				return nil, err
			}
			return []protocol.ResourceContents{{URI: req.URI, MimeType: cfg.mimeType, Text: text}}, nil
		},
	}
}

// NewTemplate builds a templated resource. fn receives the variables bound
// by the match, keyed by the names in pattern.
func NewTemplate(pattern, name string, fn func(ctx context.Context, params map[string]string) (string, error), opts ...ResourceOption) ResourceTemplate {
	cfg := &resourceConfig{mimeType: "text/plain"}
	for _, opt := range opts {
		opt(cfg)
	}
	return ResourceTemplate{
		Descriptor: protocol.ResourceTemplate{
			URITemplate: pattern,
			Name:        name,
			Description: cfg.description,
			MimeType:    cfg.mimeType,
		},
		Handler: func(ctx context.Context, req ResourceRequest) ([]protocol.ResourceContents, error) {
			text, err := fn(ctx, req.Params)
			if err != nil {
				return nil, err
			}
			return []protocol.ResourceContents{{URI: req.URI, MimeType: cfg.mimeType, Text: text}}, nil
		},
	}
}

// NewPrompt builds a prompt. Arguments marked Required are checked before fn runs.
func NewPrompt(name, description string, args []protocol.PromptArgument, fn func(ctx context.Context, args map[string]string) ([]protocol.PromptMessage, error)) Prompt {
	return Prompt{
		Descriptor: protocol.Prompt{
			Name:        name,
			Description: description,
			Arguments:   args,
		},
		Handler: func(ctx context.Context, given map[string]string) (*protocol.GetPromptResult, error) {
			for _, a := range args {
				if _, ok := given[a.Name]; a.Required && !ok {
					return nil, mcperrors.MissingArgument(name, a.Name)
				}
			}
			msgs, err := fn(ctx, given)
			if err != nil {
				return nil, err
			}
			return &protocol.GetPromptResult{Description: description, Messages: msgs}, nil
		},
	}
}
