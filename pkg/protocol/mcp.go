package protocol

const (
	// LatestProtocolVersion is the newest revision this host speaks
	LatestProtocolVersion = "2025-03-26"

	// Methods for lifecycle management
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodPing        = "ping"

	// Methods for server features
	MethodListTools             = "tools/list"
	MethodCallTool              = "tools/call"
	MethodListResources         = "resources/list"
	MethodListResourceTemplates = "resources/templates/list"
	MethodReadResource          = "resources/read"
	MethodListPrompts           = "prompts/list"
	MethodGetPrompt             = "prompts/get"

	// Methods for utilities
	MethodSetLogLevel = "logging/setLevel"
	MethodLog         = "notifications/message"
	MethodProgress    = "notifications/progress"
	MethodCancelled   = "notifications/cancelled"

	// Methods for client features
	MethodCreateMessage = "sampling/createMessage"
)

// SupportedProtocolVersions lists every revision accepted during initialize, newest first.
var SupportedProtocolVersions = []string{
	LatestProtocolVersion,
	"2024-11-05",
}

// NegotiateVersion returns the requested version when supported, otherwise the latest.
func NegotiateVersion(requested string) string {
	for _, v := range SupportedProtocolVersions {
		if v == requested {
			return v
		}
	}
	return LatestProtocolVersion
}

// Implementation describes the name and version of an MCP client or server
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities are the optional features a client supports
type ClientCapabilities struct {
	Roots        *RootsCapability       `json:"roots,omitempty"`
	Sampling     *SamplingCapability    `json:"sampling,omitempty"`
	Experimental map[string]interface{} `json:"experimental,omitempty"`
}

// RootsCapability describes client support for roots
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability marks client support for sampling/createMessage
type SamplingCapability struct{}

// ServerCapabilities are the features a server advertises
type ServerCapabilities struct {
	Logging   *LoggingCapability   `json:"logging,omitempty"`
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Tools     *ToolsCapability     `json:"tools,omitempty"`
}

// LoggingCapability marks server support for logging/setLevel
type LoggingCapability struct{}

// PromptsCapability describes server support for prompts
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability describes server support for resources
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolsCapability describes server support for tools
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// InitializeParams defines the parameters for the initialize request
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// InitializeResult defines the response for the initialize request
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// RequestMeta carries the optional _meta block of a request
type RequestMeta struct {
	ProgressToken interface{} `json:"progressToken,omitempty"`
}

// PaginatedParams is the common shape of every list request
type PaginatedParams struct {
	Cursor string       `json:"cursor,omitempty"`
	Meta   *RequestMeta `json:"_meta,omitempty"`
}

// EmptyResult is returned by methods without a meaningful result
type EmptyResult struct{}

// CancelledParams defines parameters for the cancelled notification
type CancelledParams struct {
	RequestID interface{} `json:"requestId"`
	Reason    string      `json:"reason,omitempty"`
}

// ProgressParams defines parameters for the progress notification
type ProgressParams struct {
	ProgressToken interface{} `json:"progressToken"`
	Progress      float64     `json:"progress"`
	Total         float64     `json:"total,omitempty"`
	Message       string      `json:"message,omitempty"`
}

// LoggingLevel is the syslog severity used by notifications/message
type LoggingLevel string

const (
	LevelDebug     LoggingLevel = "debug"
	LevelInfo      LoggingLevel = "info"
	LevelNotice    LoggingLevel = "notice"
	LevelWarning   LoggingLevel = "warning"
	LevelError     LoggingLevel = "error"
	LevelCritical  LoggingLevel = "critical"
	LevelAlert     LoggingLevel = "alert"
	LevelEmergency LoggingLevel = "emergency"
)

var levelSeverity = map[LoggingLevel]int{
	LevelDebug:     0,
	LevelInfo:      1,
	LevelNotice:    2,
	LevelWarning:   3,
	LevelError:     4,
	LevelCritical:  5,
	LevelAlert:     6,
	LevelEmergency: 7,
}

// Valid reports whether l is one of the eight syslog levels.
func (l LoggingLevel) Valid() bool {
	_, ok := levelSeverity[l]
	return ok
}

// Enabled reports whether a message at l passes a threshold of min.
func (l LoggingLevel) Enabled(min LoggingLevel) bool {
	return levelSeverity[l] >= levelSeverity[min]
}

// SetLevelParams defines parameters for the logging/setLevel request
type SetLevelParams struct {
	Level LoggingLevel `json:"level"`
}

// LoggingMessageParams defines parameters for the notifications/message notification
type LoggingMessageParams struct {
	Level  LoggingLevel `json:"level"`
	Logger string       `json:"logger,omitempty"`
	Data   interface{}  `json:"data"`
}
