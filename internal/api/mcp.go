package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/council/internal/conversation"
	"github.com/kalambet/council/internal/storage"
)

// MCPCouncil is the conversation surface the MCP tools use.
type MCPCouncil interface {
	Converse(ctx context.Context, userID, message string, history []conversation.Turn) (<-chan conversation.Snapshot, error)
	Individual(ctx context.Context, userID, memberID, question string) (*conversation.IndividualReply, error)
}

// MCPMembers lists council members.
type MCPMembers interface {
	ListCouncilMembers(userID string, activeOnly bool) ([]storage.CouncilMember, error)
}

// MCPDeps holds dependencies for the MCP server. Every tool acts as UserID.
type MCPDeps struct {
	Members MCPMembers
	Council MCPCouncil
	UserID  string
}

// NewMCPServer creates an MCP server with the council tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"council",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("council: consult a personal advisory council of AI personas."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_council",
			mcp.WithDescription("List the user's council members. By default only the active council is returned."),
			mcp.WithBoolean("include_inactive", mcp.Description("Also list generated members that were not selected")),
		),
		mcpListCouncil(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_council",
			mcp.WithDescription("Put a message to the active council and return each advisor's reply in order."),
			mcp.WithString("message", mcp.Description("What to say to the council"), mcp.Required()),
			mcp.WithString("history", mcp.Description("Optional JSON array of prior {content, senderId} turns")),
		),
		mcpAskCouncil(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_advisor",
			mcp.WithDescription("Ask a single council member a question."),
			mcp.WithString("member_id", mcp.Description("Council member id from list_council"), mcp.Required()),
			mcp.WithString("question", mcp.Description("The question"), mcp.Required()),
		),
		mcpAskAdvisor(deps),
	)

	return s
}

func mcpListCouncil(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		activeOnly := !req.GetBool("include_inactive", false)
		members, err := deps.Members.ListCouncilMembers(deps.UserID, activeOnly)
		if err != nil {
			return mcpError(fmt.Sprintf("listing council failed: %v", err)), nil
		}

		type memberResult struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			Description string `json:"description"`
			Type        string `json:"type"`
			Active      bool   `json:"active"`
			HasVoice    bool   `json:"has_voice"`
		}
		results := make([]memberResult, len(members))
		for i, m := range members {
			results[i] = memberResult{
				ID:          m.ID,
				Name:        m.Name,
				Description: m.Description,
				Type:        m.CharacterType,
				Active:      m.IsActive,
				HasVoice:    m.VoiceID != "",
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal members: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAskCouncil(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		var history []conversation.Turn
		if raw := req.GetString("history", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &history); err != nil {
				return mcpError(fmt.Sprintf("invalid history JSON: %v", err)), nil
			}
		}

		snapshots, err := deps.Council.Converse(ctx, deps.UserID, message, history)
		if err != nil {
			return mcpError(fmt.Sprintf("council unavailable: %v", err)), nil
		}

		var final []conversation.Message
		for snap := range snapshots {
			if snap.Err != nil {
				return mcpError(fmt.Sprintf("council reply failed: %v", snap.Err)), nil
			}
			if snap.Final {
				final = snap.Messages
			}
		}
		if final == nil {
			return mcpError("council reply was interrupted"), nil
		}

		names := memberNames(deps)
		var b strings.Builder
		for i, m := range final {
			if i > 0 {
				b.WriteString("\n\n")
			}
			name := names[m.AdviserID]
			if name == "" {
				name = m.AdviserID
			}
			fmt.Fprintf(&b, "%s: %s", name, m.Message)
		}
		if b.Len() == 0 {
			return mcpText("The council had nothing to add."), nil
		}
		return mcpText(b.String()), nil
	}
}

func memberNames(deps MCPDeps) map[string]string {
	members, err := deps.Members.ListCouncilMembers(deps.UserID, true)
	if err != nil {
		return nil
	}
	names := make(map[string]string, len(members))
	for _, m := range members {
		names[m.ID] = m.Name
	}
	return names
}

func mcpAskAdvisor(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		memberID, err := req.RequireString("member_id")
		if err != nil {
			return mcpError("member_id is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		reply, err := deps.Council.Individual(ctx, deps.UserID, memberID, question)
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}
		result := mcpText(reply.Response)
		if reply.Audio != nil {
			result.Content = append(result.Content, mcp.NewAudioContent(reply.Audio.Data, reply.Audio.Type))
		}
		return result, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
