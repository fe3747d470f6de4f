// Package compose merges registries. Import copies a sub-server's entries
// into a parent under a prefix; Proxy builds a registry whose entries
// forward to a remote MCP server, so a remote server is imported the same
// way as a local one.
package compose

import (
	"context"
	"strings"

	mcperrors "github.com/mcpmacos/mcphost/pkg/errors"
	"github.com/mcpmacos/mcphost/pkg/protocol"
	"github.com/mcpmacos/mcphost/pkg/registry"
)

const schemeSep = "://"

// Import copies every entry of child into parent. With a non-empty prefix,
// tool and prompt names become prefix_name and resource URIs and template
// patterns become scheme://prefix/rest. Handlers keep seeing the child's
// own URIs.
//
// The copy is taken once: later changes to child are not reflected in
// parent. If any identifier collides, parent is left untouched.
func Import(parent, child *registry.Registry, prefix string) error {
	snap := child.Snapshot()
	if prefix == "" {
		return parent.AddAll(snap)
	}

	var out registry.Snapshot
	for _, t := range snap.Tools {
		t.Descriptor.Name = PrefixName(prefix, t.Descriptor.Name)
		out.Tools = append(out.Tools, t)
	}
	for _, p := range snap.Prompts {
		p.Descriptor.Name = PrefixName(prefix, p.Descriptor.Name)
		out.Prompts = append(out.Prompts, p)
	}
	for _, r := range snap.Resources {
		uri, err := PrefixURI(prefix, r.Descriptor.URI)
		if err != nil {
			return err
		}
		r.Descriptor.URI = uri
		r.Handler = unprefixed(prefix, r.Handler)
		out.Resources = append(out.Resources, r)
	}
	for _, t := range snap.Templates {
		pattern, err := PrefixURI(prefix, t.Descriptor.URITemplate)
		if err != nil {
			return err
		}
		t.Descriptor.URITemplate = pattern
		t.Handler = unprefixed(prefix, t.Handler)
		out.Templates = append(out.Templates, t)
	}
	return parent.AddAll(out)
}

// PrefixName returns prefix_name
func PrefixName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}

// PrefixURI inserts prefix after the scheme: mail://INBOX/messages with
// prefix m becomes mail://m/INBOX/messages. Template patterns are rewritten
// the same way.
func PrefixURI(prefix, uri string) (string, error) {
	if prefix == "" {
		return uri, nil
	}
	i := strings.Index(uri, schemeSep)
	if i <= 0 {
		return "", mcperrors.ValidationErrorf("resource %q has no scheme to prefix", uri)
	}
	return uri[:i] + schemeSep + prefix + "/" + uri[i+len(schemeSep):], nil
}

// StripURIPrefix reverses PrefixURI. ok is false when uri does not carry
// prefix.
func StripURIPrefix(prefix, uri string) (string, bool) {
	if prefix == "" {
		return uri, true
	}
	i := strings.Index(uri, schemeSep)
	if i <= 0 {
		return "", false
	}
	rest := uri[i+len(schemeSep):]
	if !strings.HasPrefix(rest, prefix+"/") {
		return "", false
	}
	return uri[:i] + schemeSep + strings.TrimPrefix(rest, prefix+"/"), true
}

// unprefixed hands the child handler its own URI and maps the URIs of the
// returned contents back into the parent's namespace.
func unprefixed(prefix string, h registry.ResourceHandler) registry.ResourceHandler {
	return func(ctx context.Context, req registry.ResourceRequest) ([]protocol.ResourceContents, error) {
		outer := req.URI
		if inner, ok := StripURIPrefix(prefix, req.URI); ok {
			req.URI = inner
		}
		contents, err := h(ctx, req)
		if err != nil {
			return nil, err
		}
		for i := range contents {
			if contents[i].URI == req.URI {
				contents[i].URI = outer
			}
		}
		return contents, nil
	}
}
