package compose

import (
	"context"

	mcperrors "github.com/mcpmacos/mcphost/pkg/errors"
	"github.com/mcpmacos/mcphost/pkg/protocol"
	"github.com/mcpmacos/mcphost/pkg/registry"
)

// Remote is the part of client.Client a proxy needs
type Remote interface {
	Capabilities() protocol.ServerCapabilities
	ListAllTools(ctx context.Context) ([]protocol.Tool, error)
	ListAllResources(ctx context.Context) ([]protocol.Resource, error)
	ListAllResourceTemplates(ctx context.Context) ([]protocol.ResourceTemplate, error)
	ListAllPrompts(ctx context.Context) ([]protocol.Prompt, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*protocol.CallToolResult, error)
	ReadResource(ctx context.Context, uri string) ([]protocol.ResourceContents, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*protocol.GetPromptResult, error)
}

// Proxy lists everything an initialized remote server advertises and
// returns a registry whose handlers forward each call to it. Only kinds the
// remote declared in its capabilities are listed.
func Proxy(ctx context.Context, remote Remote) (*registry.Registry, error) {
	reg := registry.New()
	caps := remote.Capabilities()

	if caps.Tools != nil {
		tools, err := remote.ListAllTools(ctx)
		if err != nil {
			return nil, mcperrors.ProviderError("proxy", "list tools", err)
		}
		for _, desc := range tools {
			if err := reg.AddTool(registry.NewRawTool(desc, forwardTool(remote, desc.Name))); err != nil {
				return nil, err
			}
		}
	}

	if caps.Resources != nil {
		resources, err := remote.ListAllResources(ctx)
		if err != nil {
			return nil, mcperrors.ProviderError("proxy", "list resources", err)
		}
		for _, desc := range resources {
			if err := reg.AddResource(registry.Resource{Descriptor: desc, Handler: forwardResource(remote)}); err != nil {
				return nil, err
			}
		}

		templates, err := remote.ListAllResourceTemplates(ctx)
		if err != nil {
			return nil, mcperrors.ProviderError("proxy", "list resource templates", err)
		}
		for _, desc := range templates {
			if err := reg.AddResourceTemplate(registry.ResourceTemplate{Descriptor: desc, Handler: forwardResource(remote)}); err != nil {
				return nil, err
			}
		}
	}

	if caps.Prompts != nil {
		prompts, err := remote.ListAllPrompts(ctx)
		if err != nil {
			return nil, mcperrors.ProviderError("proxy", "list prompts", err)
		}
		for _, desc := range prompts {
			name := desc.Name
			if err := reg.AddPrompt(registry.Prompt{
				Descriptor: desc,
				Handler: func(ctx context.Context, args map[string]string) (*protocol.GetPromptResult, error) {
					return remote.GetPrompt(ctx, name, args)
				},
			}); err != nil {
				return nil, err
			}
		}
	}
	return reg, nil
}

func forwardTool(remote Remote, name string) registry.ToolHandler {
	return func(ctx context.Context, args map[string]interface{}) (*protocol.CallToolResult, error) {
		return remote.CallTool(ctx, name, args)
	}
}

// forwardResource reads req.URI remotely; Import has already mapped it back
// to the remote's own namespace.
func forwardResource(remote Remote) registry.ResourceHandler {
	return func(ctx context.Context, req registry.ResourceRequest) ([]protocol.ResourceContents, error) {
		return remote.ReadResource(ctx, req.URI)
	}
}
