// Package tools defines the MCP tools served behind the resource server guard.
package tools

import (
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/bobmcallan/mcpnotes/internal/common"
	"github.com/bobmcallan/mcpnotes/internal/guard"
	"github.com/bobmcallan/mcpnotes/internal/interfaces"
	"github.com/bobmcallan/mcpnotes/internal/oauth"
)

// Tool names.
const (
	ToolServerTime = "server_time"
	ToolWhoAmI     = "whoami"
	ToolListNotes  = "list_notes"
	ToolAddNote    = "add_note"
	ToolGreet      = "greet"
)

const maxNoteLength = 2000

// Policies returns the authorization policy for every tool in the set.
func Policies() guard.Policies {
	return guard.Policies{
		ToolServerTime: guard.Public{},
		ToolWhoAmI:     guard.Required{Scopes: []string{oauth.ScopeProfile}},
		ToolListNotes:  guard.Required{Scopes: []string{oauth.ScopeNotesRead}},
		ToolAddNote:    guard.Required{Scopes: []string{oauth.ScopeNotesRead, oauth.ScopeNotesWrite}},
		ToolGreet:      guard.Optional{Scopes: []string{oauth.ScopeProfile}},
	}
}

// Toolset holds the dependencies shared by the tool handlers.
type Toolset struct {
	notes  interfaces.NoteStore
	logger *common.Logger
	now    func() time.Time
}

// New creates a Toolset backed by notes.
func New(notes interfaces.NoteStore, logger *common.Logger) *Toolset {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	return &Toolset{notes: notes, logger: logger, now: time.Now}
}

// Register adds every tool to s.
func (t *Toolset) Register(s *server.MCPServer) {
	s.AddTool(createServerTimeTool(), t.handleServerTime())
	s.AddTool(createWhoAmITool(), t.handleWhoAmI())
	s.AddTool(createListNotesTool(), t.handleListNotes())
	s.AddTool(createAddNoteTool(), t.handleAddNote())
	s.AddTool(createGreetTool(), t.handleGreet())
}

func createServerTimeTool() mcp.Tool {
	return mcp.NewTool(ToolServerTime,
		mcp.WithDescription("Get the current server time in UTC. No sign-in needed."),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}

func createWhoAmITool() mcp.Tool {
	return mcp.NewTool(ToolWhoAmI,
		mcp.WithDescription("Show the signed-in user, the client that obtained the token, and the granted scopes. Requires the 'profile' scope."),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}

func createListNotesTool() mcp.Tool {
	return mcp.NewTool(ToolListNotes,
		mcp.WithDescription("List the signed-in user's notes, oldest first. Requires the 'notes:read' scope."),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}

func createAddNoteTool() mcp.Tool {
	return mcp.NewTool(ToolAddNote,
		mcp.WithDescription("Save a note for the signed-in user. Requires the 'notes:read' and 'notes:write' scopes."),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Note text (max 2000 characters)"),
		),
	)
}

func createGreetTool() mcp.Tool {
	return mcp.NewTool(ToolGreet,
		mcp.WithDescription("Say hello. Greets the user by name when signed in with the 'profile' scope, anonymously otherwise."),
		mcp.WithString("name",
			mcp.Description("Name to greet when not signed in (default: 'there')"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}
