// Package mcpserver exposes the shared team context to agents as an MCP
// tool surface. One server instance exists per caller agent; the
// transport session id carries the agent identity.
package mcpserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/haasonsaas/agentd/internal/team"
)

// sessionIDRe extracts the agent identity from a transport session id.
var sessionIDRe = regexp.MustCompile(`^(.+)-[0-9a-f]{8}$`)

// AgentFromSessionID returns the agent encoded in a session id.
func AgentFromSessionID(id string) (string, bool) {
	m := sessionIDRe.FindStringSubmatch(id)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Deps wires one caller's server to the shared context.
type Deps struct {
	Agent       string   // caller identity
	// Members returns the current team member names (workflow members
	// plus the caller and "user"). Evaluated per call so agents created
	// after this server was built still appear.
	Members func() []string
	Context     *team.Context
	Proposals   *team.ProposalManager // nil skips the proposal tools

	// OnMention is invoked for each @mention and explicit DM recipient
	// of a channel_send, so recipients can be woken.
	OnMention func(agent string)

	Logger *slog.Logger
}

// NewHTTPServer builds the streamable transport for one caller agent.
func NewHTTPServer(d Deps) *server.StreamableHTTPServer {
	return server.NewStreamableHTTPServer(
		NewServer(d),
		server.WithSessionIdManager(&agentSessionIDs{agent: d.Agent}),
	)
}

// agentSessionIDs issues "<agent>-<random8>" session ids so the agent
// identity is recoverable from the transport later.
type agentSessionIDs struct {
	agent string
}

func (m *agentSessionIDs) Generate() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return m.agent + "-" + hex.EncodeToString(b)
}

func (m *agentSessionIDs) Validate(sessionID string) (bool, error) {
	agent, ok := AgentFromSessionID(sessionID)
	if !ok || agent != m.agent {
		return false, fmt.Errorf("invalid session id %q", sessionID)
	}
	return false, nil
}

func (m *agentSessionIDs) Terminate(sessionID string) (bool, error) {
	return false, nil
}

// NewServer registers the context tools for one caller agent.
func NewServer(d Deps) *server.MCPServer {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	s := server.NewMCPServer("agentd-context", "1.0.0",
		server.WithToolCapabilities(false),
	)

	s.AddTool(mcp.NewTool("channel_send",
		mcp.WithDescription("Post a message to the team channel. Use @name to mention teammates; set 'to' for a private message."),
		mcp.WithString("message", mcp.Required(), mcp.Description("Message content")),
		mcp.WithString("to", mcp.Description("Recipient agent for a private message")),
	), d.channelSend)

	s.AddTool(mcp.NewTool("channel_read",
		mcp.WithDescription("Read recent team channel messages."),
		mcp.WithNumber("since", mcp.Description("Only return entries with id greater than this")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of entries")),
	), d.channelRead)

	s.AddTool(mcp.NewTool("resource_create",
		mcp.WithDescription("Store content as a shared resource and get a reference to post on the channel."),
		mcp.WithString("content", mcp.Required(), mcp.Description("Resource content")),
		mcp.WithString("type", mcp.Description("Resource type: markdown, json, text, or diff")),
	), d.resourceCreate)

	s.AddTool(mcp.NewTool("resource_read",
		mcp.WithDescription("Read a shared resource by id or reference."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Resource id")),
	), d.resourceRead)

	s.AddTool(mcp.NewTool("my_inbox",
		mcp.WithDescription("List unread messages addressed to you."),
	), d.myInbox)

	s.AddTool(mcp.NewTool("my_inbox_ack",
		mcp.WithDescription("Acknowledge inbox messages up to and including an entry id."),
		mcp.WithNumber("until", mcp.Required(), mcp.Description("Highest entry id to acknowledge")),
	), d.myInboxAck)

	s.AddTool(mcp.NewTool("team_members",
		mcp.WithDescription("List the members of this team."),
	), d.teamMembers)

	s.AddTool(mcp.NewTool("team_doc_read",
		mcp.WithDescription("Read a team document (team.md by default)."),
		mcp.WithString("file", mcp.Description("Document name")),
	), d.docRead)

	s.AddTool(mcp.NewTool("team_doc_write",
		mcp.WithDescription("Replace a team document's content."),
		mcp.WithString("content", mcp.Required(), mcp.Description("New content")),
		mcp.WithString("file", mcp.Description("Document name")),
	), d.docWrite)

	s.AddTool(mcp.NewTool("team_doc_append",
		mcp.WithDescription("Append to a team document."),
		mcp.WithString("content", mcp.Required(), mcp.Description("Content to append")),
		mcp.WithString("file", mcp.Description("Document name")),
	), d.docAppend)

	s.AddTool(mcp.NewTool("team_doc_list",
		mcp.WithDescription("List team documents."),
	), d.docList)

	s.AddTool(mcp.NewTool("team_doc_create",
		mcp.WithDescription("Create a new team document; fails if it exists."),
		mcp.WithString("file", mcp.Required(), mcp.Description("Document name")),
		mcp.WithString("content", mcp.Description("Initial content")),
	), d.docCreate)

	if d.Proposals != nil {
		s.AddTool(mcp.NewTool("team_proposal_create",
			mcp.WithDescription("Open a proposal for the team to vote on."),
			mcp.WithString("title", mcp.Required(), mcp.Description("Proposal title")),
			mcp.WithString("type", mcp.Description("election, decision, approval, or assignment")),
			mcp.WithString("description", mcp.Description("Details")),
			mcp.WithArray("options", mcp.Description("Option ids; approval proposals default to approve/reject")),
			mcp.WithNumber("quorum", mcp.Description("Votes required before resolution")),
			mcp.WithString("resolution", mcp.Description("plurality (default) or majority")),
			mcp.WithBoolean("binding", mcp.Description("Whether the result is binding")),
			mcp.WithNumber("ttl_ms", mcp.Description("Time until expiry in milliseconds")),
		), d.proposalCreate)

		s.AddTool(mcp.NewTool("team_vote",
			mcp.WithDescription("Vote on an active proposal. A second vote replaces your first."),
			mcp.WithString("proposal_id", mcp.Required(), mcp.Description("Proposal id")),
			mcp.WithString("choice", mcp.Required(), mcp.Description("Option id")),
			mcp.WithString("reason", mcp.Description("Why you voted this way")),
		), d.vote)

		s.AddTool(mcp.NewTool("team_proposal_status",
			mcp.WithDescription("Show one proposal, or all proposals when no id is given."),
			mcp.WithString("proposal_id", mcp.Description("Proposal id")),
		), d.proposalStatus)

		s.AddTool(mcp.NewTool("team_proposal_cancel",
			mcp.WithDescription("Cancel a proposal you created."),
			mcp.WithString("proposal_id", mcp.Required(), mcp.Description("Proposal id")),
		), d.proposalCancel)
	}

	return s
}

func (d Deps) channelSend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	to := req.GetString("to", "")

	entry, err := d.Context.AppendChannel(d.Agent, message, &team.AppendOptions{To: to})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if d.OnMention != nil {
		notified := make(map[string]bool)
		for _, m := range entry.Mentions {
			if m != d.Agent && !notified[m] {
				notified[m] = true
				d.OnMention(m)
			}
		}
		if to != "" && to != d.Agent && !notified[to] {
			d.OnMention(to)
		}
	}
	return jsonResult(entry)
}

func (d Deps) channelRead(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries, err := d.Context.ReadChannel(team.ReadOptions{
		Since: int64(req.GetFloat("since", 0)),
		Limit: req.GetInt("limit", 50),
		Agent: d.Agent,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(entries)
}

func (d Deps) resourceCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, ref, err := d.Context.CreateResource(content, d.Agent, req.GetString("type", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]string{"id": res.ID, "ref": ref})
}

func (d Deps) resourceRead(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := d.Context.ReadResource(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (d Deps) myInbox(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries, err := d.Context.Inbox(d.Agent)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(entries)
}

func (d Deps) myInboxAck(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	until, err := req.RequireFloat("until")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := d.Context.AckInbox(d.Agent, int64(until)); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("acknowledged through %d", int64(until))), nil
}

func (d Deps) teamMembers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type member struct {
		Name string `json:"name"`
		You  bool   `json:"you,omitempty"`
	}
	var names []string
	if d.Members != nil {
		names = d.Members()
	}
	members := make([]member, 0, len(names))
	for _, name := range names {
		members = append(members, member{Name: name, You: name == d.Agent})
	}
	return jsonResult(members)
}

func (d Deps) docRead(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := d.Context.ReadDocument(req.GetString("file", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(content), nil
}

func (d Deps) docWrite(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := d.Context.WriteDocument(content, req.GetString("file", "")); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("written"), nil
}

func (d Deps) docAppend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := d.Context.AppendDocument(content, req.GetString("file", "")); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("appended"), nil
}

func (d Deps) docList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	docs, err := d.Context.ListDocuments()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(docs)
}

func (d Deps) docCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	file, err := req.RequireString("file")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := d.Context.CreateDocument(file, req.GetString("content", "")); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("created " + file), nil
}

func (d Deps) proposalCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var options []team.Option
	for _, o := range req.GetStringSlice("options", nil) {
		o = strings.TrimSpace(o)
		if o != "" {
			options = append(options, team.Option{ID: o, Label: o})
		}
	}

	p, err := d.Proposals.Create(team.CreateProposalInput{
		Type:        req.GetString("type", ""),
		Title:       title,
		Description: req.GetString("description", ""),
		Options:     options,
		Resolution: team.Resolution{
			Type:   req.GetString("resolution", ""),
			Quorum: req.GetInt("quorum", 0),
		},
		Binding:   req.GetBool("binding", false),
		TTL:       time.Duration(req.GetFloat("ttl_ms", 0)) * time.Millisecond,
		CreatedBy: d.Agent,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(p)
}

func (d Deps) vote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("proposal_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	choice, err := req.RequireString("choice")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	p, err := d.Proposals.Vote(id, d.Agent, choice, req.GetString("reason", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(p)
}

func (d Deps) proposalStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if id := req.GetString("proposal_id", ""); id != "" {
		p, err := d.Proposals.Status(id)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(p)
	}
	return jsonResult(d.Proposals.List())
}

func (d Deps) proposalCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("proposal_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	p, err := d.Proposals.Cancel(id, d.Agent)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(p)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
