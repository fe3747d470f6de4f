// Package mail exposes Apple Mail to MCP clients. Every operation runs an
// AppleScript through a ScriptRunner, so the package itself never talks to
// Mail directly and tests can substitute a fake runner.
package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	mcperrors "github.com/mcpmacos/mcphost/pkg/errors"
	"github.com/mcpmacos/mcphost/pkg/logging"
	"github.com/mcpmacos/mcphost/pkg/protocol"
	"github.com/mcpmacos/mcphost/pkg/registry"
	"github.com/mcpmacos/mcphost/pkg/server"
)

const (
	app = "mail"

	defaultLimit   = 10
	maxListLimit   = 30
	maxFetchLimit  = 50
	previewLength  = 500
	defaultMailbox = "INBOX"
)

// Message is one message as reported by the JSON-producing scripts
type Message struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Sender  string `json:"sender"`
	Date    string `json:"date"`
	Account string `json:"account"`
	Mailbox string `json:"mailbox"`
	IsRead  bool   `json:"is_read"`
	Preview string `json:"preview,omitempty"`
}

// EmailRow is one line of list_emails output
type EmailRow struct {
	ID       string `json:"id"`
	Received string `json:"received"`
	From     string `json:"from"`
	Account  string `json:"account"`
	Status   string `json:"status"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
}

// Mailbox identifies a mailbox within an account
type Mailbox struct {
	Account string `json:"account"`
	Mailbox string `json:"mailbox"`
}

// Server implements the mail tools on top of a ScriptRunner
type Server struct {
	runner ScriptRunner
	logger *zap.Logger
}

// New creates a mail server
func New(runner ScriptRunner, logger *zap.Logger) *Server {
	return &Server{
		runner: runner,
		logger: logging.OrNop(logger).With(zap.String("component", "mail")),
	}
}

// NewRegistry returns a registry holding every mail tool, resource and prompt
func NewRegistry(runner ScriptRunner, logger *zap.Logger, opts ...registry.Option) (*registry.Registry, error) {
	reg := registry.New(opts...)
	if err := New(runner, logger).Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// Register adds the mail tools, resources and prompts to reg
func (s *Server) Register(reg *registry.Registry) error {
	readOnly := protocol.ToolAnnotations{ReadOnlyHint: boolPtr(true)}
	mutating := protocol.ToolAnnotations{ReadOnlyHint: boolPtr(false), DestructiveHint: boolPtr(true)}

	tools := []func() (registry.Tool, error){
		func() (registry.Tool, error) {
			return registry.NewTool("list_accounts", s.listAccounts,
				registry.WithToolDescription("List the accounts configured in Mail"),
				registry.WithToolAnnotations(readOnly))
		},
		func() (registry.Tool, error) {
			return registry.NewTool("list_mailboxes", s.listMailboxes,
				registry.WithToolDescription("List mailboxes, optionally for a single account"),
				registry.WithToolAnnotations(readOnly))
		},
		func() (registry.Tool, error) {
			return registry.NewTool("list_emails", s.listEmails,
				registry.WithToolDescription("List recent emails filtered by read status, account, mailbox and text"),
				registry.WithToolAnnotations(readOnly))
		},
		func() (registry.Tool, error) {
			return registry.NewTool("get_unread", s.getUnread,
				registry.WithToolDescription("Fetch unread messages"),
				registry.WithToolAnnotations(readOnly))
		},
		func() (registry.Tool, error) {
			return registry.NewTool("get_latest", s.getLatest,
				registry.WithToolDescription("Fetch the most recent messages"),
				registry.WithToolAnnotations(readOnly))
		},
		func() (registry.Tool, error) {
			return registry.NewTool("search_messages", s.searchMessages,
				registry.WithToolDescription("Search messages by subject and sender"),
				registry.WithToolAnnotations(readOnly))
		},
		func() (registry.Tool, error) {
			return registry.NewTool("send_email", s.sendEmail,
				registry.WithToolDescription("Send an email, or reply when message_id is given"),
				registry.WithToolAnnotations(mutating))
		},
		func() (registry.Tool, error) {
			return registry.NewTool("update_email_status", s.updateEmailStatus,
				registry.WithToolDescription("Mark a message read or unread, flag it, archive it or delete it"),
				registry.WithToolAnnotations(mutating))
		},
	}
	for _, build := range tools {
		tool, err := build()
		if err != nil {
			return err
		}
		if err := reg.AddTool(tool); err != nil {
			return err
		}
	}

	if err := reg.AddResource(registry.NewResource("mail://accounts", "accounts", s.accountsResource,
		registry.WithResourceDescription("Mail accounts, one per line"))); err != nil {
		return err
	}
	if err := reg.AddResourceTemplate(registry.NewTemplate("mail://{mailbox}/messages", "mailbox messages", s.mailboxResource,
		registry.WithResourceDescription("Latest messages of a mailbox"),
		registry.WithMimeType("application/json"))); err != nil {
		return err
	}

	return reg.AddPrompt(registry.NewPrompt("triage_inbox", "Sort unread mail into reply, read later and ignore",
		[]protocol.PromptArgument{{Name: "mailbox", Description: "Mailbox to triage, INBOX when empty"}},
		s.triagePrompt))
}

type listAccountsArgs struct{}

func (s *Server) listAccounts(ctx context.Context, _ listAccountsArgs) (interface{}, error) {
	accounts, err := s.accounts(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"accounts": accounts}, nil
}

func (s *Server) accounts(ctx context.Context) ([]string, error) {
	out, err := s.run(ctx, "list_accounts.applescript")
	if err != nil {
		return nil, err
	}
	return nonEmptyLines(out), nil
}

type listMailboxesArgs struct {
	Account string `json:"account,omitempty" jsonschema:"description=Only list mailboxes of this account"`
}

func (s *Server) listMailboxes(ctx context.Context, args listMailboxesArgs) (interface{}, error) {
	out, err := s.run(ctx, "list_mailboxes.applescript", args.Account)
	if err != nil {
		return nil, err
	}
	mailboxes := []Mailbox{}
	for _, line := range nonEmptyLines(out) {
		account, name, found := strings.Cut(line, "\t")
		if !found {
			account, name = "", line
		}
		mailboxes = append(mailboxes, Mailbox{Account: account, Mailbox: name})
	}
	return map[string]interface{}{"mailboxes": mailboxes}, nil
}

type listEmailsArgs struct {
	Status  string `json:"status,omitempty" jsonschema:"enum=any,enum=read,enum=unread"`
	Account string `json:"account,omitempty"`
	Mailbox string `json:"mailbox,omitempty"`
	Query   string `json:"query,omitempty" jsonschema:"description=Text matched against subject and sender"`
	Limit   int    `json:"limit,omitempty" jsonschema:"description=Number of emails (default 10; at most 30)"`
}

func (s *Server) listEmails(ctx context.Context, args listEmailsArgs) (interface{}, error) {
	status := strings.ToLower(strings.TrimSpace(args.Status))
	switch status {
	case "":
		status = "any"
	case "any", "read", "unread":
	default:
		return nil, mcperrors.InvalidToolInput("list_emails", fmt.Sprintf("status must be any, read or unread, got %q", args.Status))
	}

	out, err := s.run(ctx, "list_emails.applescript",
		strconv.Itoa(clamp(args.Limit, maxListLimit)),
		status,
		args.Account,
		args.Mailbox,
		args.Query,
		strconv.Itoa(previewLength),
	)
	if err != nil {
		return nil, err
	}
	return ParseEmailRows(out), nil
}

// ParseEmailRows parses the tab separated output of list_emails. Tabs past
// the sixth belong to the body.
func ParseEmailRows(out string) []EmailRow {
	rows := []EmailRow{}
	for _, line := range nonEmptyLines(out) {
		f := strings.SplitN(line, "\t", 7)
		for len(f) < 7 {
			f = append(f, "")
		}
		rows = append(rows, EmailRow{
			ID:       f[0],
			Received: f[1],
			From:     f[2],
			Account:  f[3],
			Status:   f[4],
			Subject:  f[5],
			Body:     f[6],
		})
	}
	return rows
}

type fetchArgs struct {
	Limit   int    `json:"limit,omitempty" jsonschema:"description=Number of messages (default 10; at most 50)"`
	Account string `json:"account,omitempty"`
	Mailbox string `json:"mailbox,omitempty"`
}

func (s *Server) getUnread(ctx context.Context, args fetchArgs) (interface{}, error) {
	return s.fetch(ctx, "get_unread.applescript", args)
}

func (s *Server) getLatest(ctx context.Context, args fetchArgs) (interface{}, error) {
	return s.fetch(ctx, "get_latest.applescript", args)
}

func (s *Server) fetch(ctx context.Context, script string, args fetchArgs) (map[string]interface{}, error) {
	limit := clamp(args.Limit, maxFetchLimit)
	messages := []Message{}
	if err := s.runJSON(ctx, &messages, script, strconv.Itoa(limit), args.Account, args.Mailbox); err != nil {
		return nil, err
	}
	return map[string]interface{}{"messages": messages, "limit": limit}, nil
}

type searchArgs struct {
	SearchTerm string `json:"search_term"`
	Limit      int    `json:"limit,omitempty" jsonschema:"description=Number of messages (default 10; at most 50)"`
}

func (s *Server) searchMessages(ctx context.Context, args searchArgs) (interface{}, error) {
	term := strings.TrimSpace(args.SearchTerm)
	if term == "" {
		return nil, mcperrors.InvalidToolInput("search_messages", "search_term must not be empty")
	}
	limit := clamp(args.Limit, maxFetchLimit)
	messages := []Message{}
	if err := s.runJSON(ctx, &messages, "search_messages.applescript", term, strconv.Itoa(limit)); err != nil {
		return nil, err
	}
	return map[string]interface{}{"messages": messages, "limit": limit, "search_term": term}, nil
}

type sendArgs struct {
	To        []string `json:"to" jsonschema:"description=Recipient addresses"`
	Cc        []string `json:"cc,omitempty"`
	Subject   string   `json:"subject"`
	Body      string   `json:"body"`
	MessageID string   `json:"message_id,omitempty" jsonschema:"description=Reply to this message instead of starting a new thread"`
}

func (s *Server) sendEmail(ctx context.Context, args sendArgs) (interface{}, error) {
	to := splitAll(args.To)
	cc := splitAll(args.Cc)
	if len(to) == 0 {
		return nil, mcperrors.InvalidToolInput("send_email", "at least one recipient (to) is required")
	}
	if strings.TrimSpace(args.Subject) == "" {
		return nil, mcperrors.InvalidToolInput("send_email", "subject is required")
	}

	scriptArgs := []string{args.Subject, args.Body, args.MessageID, strconv.Itoa(len(to)), strconv.Itoa(len(cc))}
	scriptArgs = append(scriptArgs, to...)
	scriptArgs = append(scriptArgs, cc...)

	server.ContextFrom(ctx).Log(protocol.LevelInfo, "sending email", map[string]interface{}{
		"recipients": len(to) + len(cc),
		"reply":      args.MessageID != "",
	})

	out, err := s.run(ctx, "send_email.applescript", scriptArgs...)
	if err != nil {
		return nil, err
	}
	if result := strings.TrimSpace(out); result != "OK" {
		return nil, mcperrors.ProviderError("mail", "send_email", fmt.Errorf("unexpected script result: %s", result))
	}
	return "OK", nil
}

type statusArgs struct {
	ID     string `json:"id"`
	Action string `json:"action" jsonschema:"enum=mark_read,enum=mark_unread,enum=flag,enum=unflag,enum=archive,enum=delete"`
}

var statusActions = map[string]bool{
	"mark_read":   true,
	"mark_unread": true,
	"flag":        true,
	"unflag":      true,
	"archive":     true,
	"delete":      true,
}

func (s *Server) updateEmailStatus(ctx context.Context, args statusArgs) (interface{}, error) {
	if strings.TrimSpace(args.ID) == "" {
		return nil, mcperrors.InvalidToolInput("update_email_status", "id must not be empty")
	}
	if !statusActions[args.Action] {
		return nil, mcperrors.InvalidToolInput("update_email_status", fmt.Sprintf("unknown action %q", args.Action))
	}

	out, err := s.run(ctx, "update_email_status.applescript", args.ID, args.Action)
	if err != nil {
		return nil, err
	}
	result := strings.TrimSpace(out)
	if strings.HasPrefix(result, "ERROR:") {
		return nil, mcperrors.ProviderError("mail", "update_email_status",
			errors.New(strings.TrimSpace(strings.TrimPrefix(result, "ERROR:"))))
	}
	return result, nil
}

func (s *Server) accountsResource(ctx context.Context) (string, error) {
	accounts, err := s.accounts(ctx)
	if err != nil {
		return "", err
	}
	return strings.Join(accounts, "\n"), nil
}

func (s *Server) mailboxResource(ctx context.Context, params map[string]string) (string, error) {
	result, err := s.fetch(ctx, "get_latest.applescript", fetchArgs{Mailbox: params["mailbox"]})
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(result["messages"])
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Server) triagePrompt(_ context.Context, args map[string]string) ([]protocol.PromptMessage, error) {
	mailbox := strings.TrimSpace(args["mailbox"])
	if mailbox == "" {
		mailbox = defaultMailbox
	}
	return []protocol.PromptMessage{protocol.UserMessage(fmt.Sprintf(
		"Fetch the unread messages in the %s mailbox. Sort them into three groups: "+
			"needs a reply, read later and safe to ignore. For each message give the sender, "+
			"the subject and one sentence on why it belongs in its group. "+
			"Do not send or change any message without asking me first.",
		mailbox))}, nil
}

func (s *Server) run(ctx context.Context, script string, args ...string) (string, error) {
	out, err := s.runner.Run(ctx, app, script, args...)
	if err != nil {
		return "", s.scriptFailure(script, err)
	}
	return out, nil
}

func (s *Server) runJSON(ctx context.Context, out interface{}, script string, args ...string) error {
	if err := RunJSON(ctx, s.runner, out, app, script, args...); err != nil {
		return s.scriptFailure(script, err)
	}
	return nil
}

func (s *Server) scriptFailure(script string, err error) error {
	s.logger.Warn("mail script failed", append(logging.ErrorFields(err), zap.String("script", script))...)
	return mcperrors.ProviderError("mail", strings.TrimSuffix(script, ".applescript"), err)
}

// clamp applies the default limit to non-positive values and caps the rest
func clamp(limit, ceiling int) int {
	if limit <= 0 {
		limit = defaultLimit
	}
	return min(limit, ceiling)
}

func nonEmptyLines(s string) []string {
	lines := []string{}
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimRight(line, "\r"); strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func boolPtr(b bool) *bool { return &b }
