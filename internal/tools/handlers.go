package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/bobmcallan/mcpnotes/internal/common"
)

func (t *Toolset) handleServerTime() server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return textResult(t.now().UTC().Format(time.RFC3339)), nil
	}
}

func (t *Toolset) handleWhoAmI() server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ac := common.AuthContextFromContext(ctx)
		if ac == nil {
			return errorResult("Error: not signed in"), nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Subject: %s\n", ac.Subject)
		if ac.Name != "" {
			fmt.Fprintf(&b, "Name: %s\n", ac.Name)
		}
		if ac.ClientID != "" {
			fmt.Fprintf(&b, "Client: %s\n", ac.ClientID)
		}
		fmt.Fprintf(&b, "Scopes: %s\n", strings.Join(ac.Scopes, " "))
		if !ac.ExpiresAt.IsZero() {
			fmt.Fprintf(&b, "Expires: %s\n", ac.ExpiresAt.UTC().Format(time.RFC3339))
		}
		return textResult(strings.TrimRight(b.String(), "\n")), nil
	}
}

func (t *Toolset) handleListNotes() server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ac := common.AuthContextFromContext(ctx)
		if ac == nil {
			return errorResult("Error: not signed in"), nil
		}

		notes, err := t.notes.ListNotes(ctx, ac.Subject)
		if err != nil {
			t.logger.Error().Err(err).Str("subject", ac.Subject).Msg("List notes failed")
			return errorResult("Error: failed to list notes"), nil
		}
		if len(notes) == 0 {
			return textResult("No notes yet."), nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "%d note(s) for %s:\n", len(notes), ac.DisplayName())
		for i, n := range notes {
			fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, n.CreatedAt.UTC().Format(time.RFC3339), n.Text)
		}
		return textResult(strings.TrimRight(b.String(), "\n")), nil
	}
}

func (t *Toolset) handleAddNote() server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ac := common.AuthContextFromContext(ctx)
		if ac == nil {
			return errorResult("Error: not signed in"), nil
		}

		text, err := request.RequireString("text")
		text = strings.TrimSpace(text)
		if err != nil || text == "" {
			return errorResult("Error: text parameter is required"), nil
		}
		if utf8.RuneCountInString(text) > maxNoteLength {
			return errorResult(fmt.Sprintf("Error: text exceeds %d characters", maxNoteLength)), nil
		}

		note, err := t.notes.AddNote(ctx, ac.Subject, text)
		if err != nil {
			t.logger.Error().Err(err).Str("subject", ac.Subject).Msg("Add note failed")
			return errorResult("Error: failed to save note"), nil
		}
		t.logger.Info().Str("subject", ac.Subject).Str("note_id", note.ID).Msg("Note added")
		return textResult(fmt.Sprintf("Saved note %s", note.ID)), nil
	}
}

func (t *Toolset) handleGreet() server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if ac := common.AuthContextFromContext(ctx); ac != nil {
			return textResult(fmt.Sprintf("Hello, %s! You are signed in.", ac.DisplayName())), nil
		}
		name := strings.TrimSpace(request.GetString("name", ""))
		if name == "" {
			name = "there"
		}
		return textResult(fmt.Sprintf("Hello, %s! Sign in with the 'profile' scope for a personal greeting.", name)), nil
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}

func errorResult(message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(message),
		},
		IsError: true,
	}
}
