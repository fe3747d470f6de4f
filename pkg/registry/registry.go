// Package registry holds the tools, resources, resource templates and prompts
// a server exposes.
//
// Identifiers are unique per kind: tool names, prompt names, static resource
// URIs and template patterns. Registering an identifier twice is an error and
// leaves the registry unchanged. Listings are sorted by identifier and served
// in pages of a configurable size.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/yosida95/uritemplate/v3"

	mcperrors "github.com/mcpmacos/mcphost/pkg/errors"
	"github.com/mcpmacos/mcphost/pkg/pagination"
	"github.com/mcpmacos/mcphost/pkg/protocol"
)

// ToolHandler executes a tool with its raw JSON arguments
type ToolHandler func(ctx context.Context, args map[string]interface{}) (*protocol.CallToolResult, error)

// ResourceRequest is what a resource handler receives. Params carries the
// variables bound by a template match and is empty for static resources.
type ResourceRequest struct {
	URI    string
	Params map[string]string
}

// ResourceHandler reads a static resource or one instance of a template
type ResourceHandler func(ctx context.Context, req ResourceRequest) ([]protocol.ResourceContents, error)

// PromptHandler renders a prompt from its string arguments
type PromptHandler func(ctx context.Context, args map[string]string) (*protocol.GetPromptResult, error)

// Tool pairs a tool descriptor with its handler
type Tool struct {
	Descriptor protocol.Tool
	Handler    ToolHandler
}

// Resource pairs a static resource descriptor with its handler
type Resource struct {
	Descriptor protocol.Resource
	Handler    ResourceHandler
}

// ResourceTemplate pairs a URI template descriptor with its handler
type ResourceTemplate struct {
	Descriptor protocol.ResourceTemplate
	Handler    ResourceHandler

	compiled *uritemplate.Template
}

// Prompt pairs a prompt descriptor with its handler
type Prompt struct {
	Descriptor protocol.Prompt
	Handler    PromptHandler
}

// Option configures a Registry
type Option func(*Registry)

// WithPageSize sets the number of entries returned per list page
func WithPageSize(n int) Option {
	return func(r *Registry) {
		r.pageSize = pagination.NormalizeLimit(n)
	}
}

// Registry is safe for concurrent use
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	resources map[string]Resource
	templates map[string]ResourceTemplate
	prompts   map[string]Prompt
	pageSize  int
}

// New creates an empty registry
func New(opts ...Option) *Registry {
	r := &Registry{
		tools:     make(map[string]Tool),
		resources: make(map[string]Resource),
		templates: make(map[string]ResourceTemplate),
		prompts:   make(map[string]Prompt),
		pageSize:  pagination.DefaultLimit,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddTool registers a tool. The name must be unique.
func (r *Registry) AddTool(t Tool) error {
	if t.Descriptor.Name == "" {
		return mcperrors.ValidationError("tool name is required")
	}
	if t.Handler == nil {
		return mcperrors.ValidationErrorf("tool %q has no handler", t.Descriptor.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Descriptor.Name]; exists {
		return mcperrors.DuplicateCapability("tool", t.Descriptor.Name)
	}
	r.tools[t.Descriptor.Name] = t
	return nil
}

// AddResource registers a static resource. The URI must not collide with
// another resource or a template pattern.
func (r *Registry) AddResource(res Resource) error {
	if res.Descriptor.URI == "" {
		return mcperrors.ValidationError("resource URI is required")
	}
	if res.Handler == nil {
		return mcperrors.ValidationErrorf("resource %q has no handler", res.Descriptor.URI)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resourceTakenLocked(res.Descriptor.URI) {
		return mcperrors.DuplicateCapability("resource", res.Descriptor.URI)
	}
	r.resources[res.Descriptor.URI] = res
	return nil
}

// AddResourceTemplate registers a URI template such as mail://{mailbox}/messages.
// The pattern must parse as an RFC 6570 template.
func (r *Registry) AddResourceTemplate(t ResourceTemplate) error {
	pattern := t.Descriptor.URITemplate
	if pattern == "" {
		return mcperrors.ValidationError("resource template pattern is required")
	}
	if t.Handler == nil {
		return mcperrors.ValidationErrorf("resource template %q has no handler", pattern)
	}
	compiled, err := uritemplate.New(pattern)
	if err != nil {
		return mcperrors.ValidationErrorf("invalid resource template %q: %v", pattern, err)
	}
	t.compiled = compiled

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resourceTakenLocked(pattern) {
		return mcperrors.DuplicateCapability("resource template", pattern)
	}
	r.templates[pattern] = t
	return nil
}

// AddPrompt registers a prompt. The name must be unique.
func (r *Registry) AddPrompt(p Prompt) error {
	if p.Descriptor.Name == "" {
		return mcperrors.ValidationError("prompt name is required")
	}
	if p.Handler == nil {
		return mcperrors.ValidationErrorf("prompt %q has no handler", p.Descriptor.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.prompts[p.Descriptor.Name]; exists {
		return mcperrors.DuplicateCapability("prompt", p.Descriptor.Name)
	}
	r.prompts[p.Descriptor.Name] = p
	return nil
}

func (r *Registry) resourceTakenLocked(id string) bool {
	if _, ok := r.resources[id]; ok {
		return true
	}
	_, ok := r.templates[id]
	return ok
}

// Tool returns the tool registered under name
func (r *Registry) Tool(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Prompt returns the prompt registered under name
func (r *Registry) Prompt(name string) (Prompt, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prompts[name]
	return p, ok
}

// ResolveResource finds the handler for uri. An exact static resource wins;
// otherwise templates are tried in pattern order and the first match binds
// its variables into the request.
func (r *Registry) ResolveResource(uri string) (ResourceHandler, ResourceRequest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if res, ok := r.resources[uri]; ok {
		return res.Handler, ResourceRequest{URI: uri, Params: map[string]string{}}, true
	}

	for _, pattern := range sortedKeys(r.templates) {
		t := r.templates[pattern]
		values := t.compiled.Match(uri)
		if values == nil {
			continue
		}
		params := make(map[string]string, len(values))
		for name, v := range values {
			params[name] = v.String()
		}
		return t.Handler, ResourceRequest{URI: uri, Params: params}, true
	}
	return nil, ResourceRequest{}, false
}

// Empty reports whether nothing is registered
func (r *Registry) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)+len(r.resources)+len(r.templates)+len(r.prompts) == 0
}

// Counts reports the number of entries per kind
func (r *Registry) Counts() (tools, resources, templates, prompts int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools), len(r.resources), len(r.templates), len(r.prompts)
}

// ListTools returns one page of tool descriptors sorted by name
func (r *Registry) ListTools(cursor string) ([]protocol.Tool, string, error) {
	r.mu.RLock()
	all := make([]protocol.Tool, 0, len(r.tools))
	for _, name := range sortedKeys(r.tools) {
		all = append(all, r.tools[name].Descriptor)
	}
	r.mu.RUnlock()
	return page(all, cursor, r.pageSize)
}

// ListResources returns one page of static resource descriptors sorted by URI
func (r *Registry) ListResources(cursor string) ([]protocol.Resource, string, error) {
	r.mu.RLock()
	all := make([]protocol.Resource, 0, len(r.resources))
	for _, uri := range sortedKeys(r.resources) {
		all = append(all, r.resources[uri].Descriptor)
	}
	r.mu.RUnlock()
	return page(all, cursor, r.pageSize)
}

// ListResourceTemplates returns one page of template descriptors sorted by pattern
func (r *Registry) ListResourceTemplates(cursor string) ([]protocol.ResourceTemplate, string, error) {
	r.mu.RLock()
	all := make([]protocol.ResourceTemplate, 0, len(r.templates))
	for _, pattern := range sortedKeys(r.templates) {
		all = append(all, r.templates[pattern].Descriptor)
	}
	r.mu.RUnlock()
	return page(all, cursor, r.pageSize)
}

// ListPrompts returns one page of prompt descriptors sorted by name
func (r *Registry) ListPrompts(cursor string) ([]protocol.Prompt, string, error) {
	r.mu.RLock()
	all := make([]protocol.Prompt, 0, len(r.prompts))
	for _, name := range sortedKeys(r.prompts) {
		all = append(all, r.prompts[name].Descriptor)
	}
	r.mu.RUnlock()
	return page(all, cursor, r.pageSize)
}

func page[T any](all []T, cursor string, size int) ([]T, string, error) {
	items, next, err := pagination.Page(all, cursor, size)
	if err != nil {
		return nil, "", mcperrors.InvalidCursor(cursor, err.Error())
	}
	return items, next, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot is a point-in-time copy of a registry's entries
type Snapshot struct {
	Tools     []Tool
	Resources []Resource
	Templates []ResourceTemplate
	Prompts   []Prompt
}

// Snapshot copies every entry, sorted by identifier
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var s Snapshot
	for _, k := range sortedKeys(r.tools) {
		s.Tools = append(s.Tools, r.tools[k])
	}
	for _, k := range sortedKeys(r.resources) {
		s.Resources = append(s.Resources, r.resources[k])
	}
	for _, k := range sortedKeys(r.templates) {
		s.Templates = append(s.Templates, r.templates[k])
	}
	for _, k := range sortedKeys(r.prompts) {
		s.Prompts = append(s.Prompts, r.prompts[k])
	}
	return s
}

// AddAll registers every entry of s or none of them. The first conflict,
// either with an existing entry or within s itself, is returned.
func (r *Registry) AddAll(s Snapshot) error {
	templates := make([]ResourceTemplate, len(s.Templates))
	for i, t := range s.Templates {
		// Patterns may have been rewritten since the entry was compiled.
		compiled, err := uritemplate.New(t.Descriptor.URITemplate)
		if err != nil {
			return mcperrors.ValidationErrorf("invalid resource template %q: %v", t.Descriptor.URITemplate, err)
		}
		t.compiled = compiled
		templates[i] = t
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	claim := func(kind, id string, taken bool) error {
		key := kind + "\x00" + id
		if taken {
			return mcperrors.DuplicateCapability(kind, id)
		}
		if _, dup := seen[key]; dup {
			return mcperrors.DuplicateCapability(kind, id)
		}
		seen[key] = struct{}{}
		return nil
	}

	for _, t := range s.Tools {
		_, taken := r.tools[t.Descriptor.Name]
		if err := claim("tool", t.Descriptor.Name, taken); err != nil {
			return err
		}
	}
	for _, res := range s.Resources {
		if err := claim("resource", res.Descriptor.URI, r.resourceTakenLocked(res.Descriptor.URI)); err != nil {
			return err
		}
	}
	for _, t := range templates {
		// Templates and resources share one namespace.
		if err := claim("resource", t.Descriptor.URITemplate, r.resourceTakenLocked(t.Descriptor.URITemplate)); err != nil {
			return err
		}
	}
	for _, p := range s.Prompts {
		_, taken := r.prompts[p.Descriptor.Name]
		if err := claim("prompt", p.Descriptor.Name, taken); err != nil {
			return err
		}
	}

	for _, t := range s.Tools {
		r.tools[t.Descriptor.Name] = t
	}
	for _, res := range s.Resources {
		r.resources[res.Descriptor.URI] = res
	}
	for _, t := range templates {
		r.templates[t.Descriptor.URITemplate] = t
	}
	for _, p := range s.Prompts {
		r.prompts[p.Descriptor.Name] = p
	}
	return nil
}
