// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the session and template store as tools via stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/excelwiz/internal/apperr"
	"github.com/starford/excelwiz/internal/models"
	"github.com/starford/excelwiz/internal/session"
	"github.com/starford/excelwiz/internal/templates"
)

const queryFormatURI = "excelwiz://query-format"

// Server wraps the MCP server with excelwiz tools.
type Server struct {
	mcp   *server.MCPServer
	sess  *session.Session
	store *templates.Store
}

// New creates a new MCP server with all tools registered.
func New(sess *session.Session, store *templates.Store, version string) *Server {
	s := &Server{sess: sess, store: store}

	s.mcp = server.NewMCPServer(
		"excelwiz",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("upload_workbook",
		mcp.WithDescription("Upload a local spreadsheet (.xlsx, .xlsm, .xls, .csv) to the engine. "+
			"On success the auto-run template, if any, is applied to the query."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path to the spreadsheet file")),
	), s.uploadWorkbook)

	s.mcp.AddTool(mcp.NewTool("run_query",
		mcp.WithDescription("Run a natural-language query against the current workbook. "+
			"See the excelwiz://query-format resource for how query and refine combine."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Primary query")),
		mcp.WithString("refine", mcp.Description("Optional refine instruction")),
	), s.runQuery)

	s.mcp.AddTool(mcp.NewTool("get_state",
		mcp.WithDescription("Current session state: sheets, query, effective query, last result or error."),
	), s.getState)

	s.mcp.AddTool(mcp.NewTool("list_templates",
		mcp.WithDescription("List saved query templates, newest first."),
	), s.listTemplates)

	s.mcp.AddTool(mcp.NewTool("save_template",
		mcp.WithDescription("Save a named query template."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Template name")),
		mcp.WithString("query", mcp.Required(), mcp.Description("Query text")),
		mcp.WithBoolean("auto_run", mcp.Description("Apply this template after every upload; clears the flag on all others")),
	), s.saveTemplate)

	s.mcp.AddTool(mcp.NewTool("delete_template",
		mcp.WithDescription("Delete a template by id. Unknown ids are ignored."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Template id")),
	), s.deleteTemplate)

	s.mcp.AddTool(mcp.NewTool("set_auto_run",
		mcp.WithDescription("Make the template the single auto-run template."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Template id")),
	), s.setAutoRun)

	s.mcp.AddTool(mcp.NewTool("apply_template",
		mcp.WithDescription("Load a template into the query composer (clears refine)."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Template id")),
	), s.applyTemplate)

	s.mcp.AddResource(
		mcp.NewResource(queryFormatURI, "Query Format",
			mcp.WithResourceDescription("How the effective query sent to the engine is composed."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readQueryFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) uploadWorkbook(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cannot open %s: %v", path, err)), nil
	}
	defer f.Close()

	resp, err := s.sess.Upload(ctx, filepath.Base(path), f)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !resp.OK {
		return mcp.NewToolResultError(resp.Error), nil
	}
	out := map[string]any{
		"sheets": resp.Workbook.SheetNames(),
		"query":  s.sess.State().Query,
	}
	if n, ok := models.SchemaRegionCount(resp.Schemas); ok {
		out["regions"] = n
	}
	return jsonResult(out)
}

func (s *Server) runQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.sess.SetQuery(query, req.GetString("refine", ""))

	resp, err := s.sess.Run(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !resp.OK {
		return mcp.NewToolResultError(resp.Error), nil
	}
	return jsonResult(map[string]json.RawMessage{
		"result":  orNull(resp.Result),
		"context": orNull(resp.Context),
	})
}

// stateSummary is the session view without cell data.
type stateSummary struct {
	SheetNames     []string        `json:"sheet_names"`
	RegionCount    *int            `json:"region_count,omitempty"`
	Query          string          `json:"query"`
	Refine         string          `json:"refine"`
	EffectiveQuery string          `json:"effective_query"`
	CanRun         bool            `json:"can_run"`
	UploadError    string          `json:"upload_error,omitempty"`
	Error          string          `json:"error,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Context        json.RawMessage `json:"context,omitempty"`
}

func (s *Server) getState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	v := s.sess.Snapshot()
	return jsonResult(stateSummary{
		SheetNames:     v.SheetNames,
		RegionCount:    v.RegionCount,
		Query:          v.Query,
		Refine:         v.Refine,
		EffectiveQuery: v.EffectiveQuery,
		CanRun:         v.CanRun,
		UploadError:    v.UploadError,
		Error:          v.Error,
		Result:         v.Result,
		Context:        v.Context,
	})
}

func (s *Server) listTemplates(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.store.List())
}

func (s *Server) saveTemplate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var (
		tpl models.Template
		ok  bool
	)
	if _, set := req.GetArguments()["auto_run"]; set {
		tpl, ok = s.store.SaveWithAutoRun(ctx, name, query, req.GetBool("auto_run", false))
	} else {
		tpl, ok = s.store.Save(ctx, name, query)
	}
	if !ok {
		return mcp.NewToolResultError("name and query must not be blank"), nil
	}
	return jsonResult(tpl)
}

func (s *Server) deleteTemplate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.store.Delete(ctx, id)
	return mcp.NewToolResultText(fmt.Sprintf("deleted: %s", id)), nil
}

func (s *Server) setAutoRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !s.store.SetAutoRun(ctx, id) {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("auto-run: %s", id)), nil
}

func (s *Server) applyTemplate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tpl, err := s.sess.ApplyTemplateID(id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("applied: %s", tpl.Name)), nil
}

func (s *Server) readQueryFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      queryFormatURI,
			MIMEType: "text/markdown",
			Text:     QueryFormatContract,
		},
	}, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func orNull(raw json.RawMessage) json.RawMessage {
	if models.IsAbsent(raw) {
		return json.RawMessage("null")
	}
	return raw
}
