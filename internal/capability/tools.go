package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

// ResearchTools are read-only: web search and the workspace reader.
func ResearchTools(ctx context.Context, webSearch bool) []tool.BaseTool {
	var tools []tool.BaseTool
	if webSearch {
		if ws := NewWebSearch(ctx); ws != nil {
			tools = append(tools, ws)
		}
	}
	if wr := NewWorkspaceReader(ctx); wr != nil {
		tools = append(tools, wr)
	}
	return tools
}

// CodeTools can read and write the workspace.
func CodeTools(ctx context.Context) []tool.BaseTool {
	var tools []tool.BaseTool
	if wr := NewWorkspaceReader(ctx); wr != nil {
		tools = append(tools, wr)
	}
	return append(tools, NewWorkspaceWriter())
}

func NewWebSearch(ctx context.Context) tool.InvokableTool {
	googleTool := newGoogleSearch(ctx)
	duckTool := newDDGSearch(ctx)
	if googleTool == nil && duckTool == nil {
		slog.Warn("web search tool disabled: no search providers available")
		return nil
	}

	ws := &webSearchTool{
		google:     googleTool,
		duck:       duckTool,
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
	}
	info := &schema.ToolInfo{
		Name: "web_search",
		Desc: "Search the web for information, or fetch a page when given a URL.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language query or URL to search",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, ws.run)
}

type webSearchTool struct {
	google     tool.InvokableTool
	duck       tool.InvokableTool
	httpClient *http.Client
}

type webSearchParams struct {
	Query string `json:"query"`
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}

	if looksLikeURL(query) {
		content, err := w.fetchURL(ctx, query)
		if err == nil {
			return content, nil
		}
		slog.Warn("web url loader failed", "error", err)
	}

	payloadBytes, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}
	payload := string(payloadBytes)

	providers := []struct {
		name string
		tool tool.InvokableTool
	}{{"google", w.google}, {"duckduckgo", w.duck}}
	for _, p := range providers {
		if p.tool == nil {
			continue
		}
		result, err := p.tool.InvokableRun(ctx, payload)
		if err == nil {
			return result, nil
		}
		slog.Warn("search provider failed", "provider", p.name, "error", err)
	}
	return "", errors.New("no search provider succeeded")
}

func newDDGSearch(ctx context.Context) tool.InvokableTool {
	duckTool, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    10 * time.Second,
	})
	if err != nil {
		slog.Warn("duckduckgo search disabled", "error", err)
		return nil
	}
	return duckTool
}

func newGoogleSearch(ctx context.Context) tool.InvokableTool {
	googleAPIKey := os.Getenv("GOOGLE_API_KEY")
	googleSearchEngineID := os.Getenv("GOOGLE_SEARCH_ENGINE_ID")
	if googleAPIKey == "" || googleSearchEngineID == "" {
		return nil
	}
	googleTool, err := googlesearch.NewTool(ctx, &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         googleAPIKey,
		SearchEngineID: googleSearchEngineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		slog.Warn("google search disabled", "error", err)
		return nil
	}
	return googleTool
}

type workspaceReader struct {
	loader  *file.FileLoader
	limiter *toolRateLimiter
}

type workspaceReaderParams struct {
	Path       string `json:"path"`
	ChunkIndex int    `json:"chunk_index,omitempty"`
	ChunkSize  int    `json:"chunk_size,omitempty"`
}

func NewWorkspaceReader(ctx context.Context) tool.InvokableTool {
	reader, err := newWorkspaceReader(ctx)
	if err != nil {
		slog.Warn("workspace reader disabled", "error", err)
		return nil
	}
	info := &schema.ToolInfo{
		Name: "workspace_reader",
		Desc: "Read a file of the user's workspace in chunks. Paths are relative to the workspace root.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"path": {
				Desc:     "File path relative to the workspace root.",
				Type:     schema.String,
				Required: true,
			},
			"chunk_index": {
				Desc: "Zero-based chunk index to read, default 0.",
				Type: schema.Integer,
			},
			"chunk_size": {
				Desc: "Number of characters per chunk (max 4000, default 2000).",
				Type: schema.Integer,
			},
		}),
	}
	return utils.NewTool(info, reader.run)
}

func newWorkspaceReader(ctx context.Context) (*workspaceReader, error) {
	parserExt, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, err
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		return nil, err
	}
	return &workspaceReader{loader: loader, limiter: newToolRateLimiter(ReaderRateLimit, ReaderRateWindow)}, nil
}

func (t *workspaceReader) run(ctx context.Context, params *workspaceReaderParams) (string, error) {
	if params == nil {
		return "", errors.New("path is required")
	}
	scope, _ := ToolScopeFromContext(ctx)
	target, err := resolveInWorkspace(scope.Workspace, params.Path)
	if err != nil {
		return "", err
	}
	if !t.limiter.Allow("user:" + scope.UserID) {
		return "", errors.New("workspace reader rate limit exceeded, please retry in a minute")
	}

	docs, err := t.loader.Load(ctx, document.Source{URI: target})
	if err != nil {
		return "", fmt.Errorf("load file: %w", err)
	}
	var builder strings.Builder
	for _, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		builder.WriteString(content)
		builder.WriteString("\n\n")
	}
	text := strings.TrimSpace(builder.String())
	if text == "" {
		return fmt.Sprintf("File: %s has no readable text content.", params.Path), nil
	}
	return chunk(params.Path, text, params.ChunkIndex, params.ChunkSize), nil
}

func chunk(name, text string, index, size int) string {
	if size <= 0 || size > ReaderChunkSizeMax {
		size = ReaderChunkSizeDefault
	}
	if size < ReaderChunkSizeMin {
		size = ReaderChunkSizeMin
	}
	if index < 0 {
		index = 0
	}
	runes := []rune(text)
	total := (len(runes) + size - 1) / size
	if index >= total {
		index = total - 1
	}
	start := index * size
	end := start + size
	if end > len(runes) {
		end = len(runes)
	}
	return fmt.Sprintf("File: %s\nChunk %d/%d\n\n%s", name, index+1, total, string(runes[start:end]))
}

type workspaceWriterParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// NewWorkspaceWriter lets the code worker create or replace files.
func NewWorkspaceWriter() tool.InvokableTool {
	info := &schema.ToolInfo{
		Name: "workspace_writer",
		Desc: "Create or overwrite a file of the user's workspace with the given content.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"path": {
				Desc:     "File path relative to the workspace root.",
				Type:     schema.String,
				Required: true,
			},
			"content": {
				Desc:     "Full new file content.",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, writeWorkspaceFile)
}

func writeWorkspaceFile(ctx context.Context, params *workspaceWriterParams) (string, error) {
	if params == nil {
		return "", errors.New("path is required")
	}
	if len(params.Content) > maxWriteBytes {
		return "", fmt.Errorf("content exceeds %d bytes", maxWriteBytes)
	}
	scope, _ := ToolScopeFromContext(ctx)
	target, err := resolveInWorkspace(scope.Workspace, params.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(target, []byte(params.Content), 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(params.Content), params.Path), nil
}
