package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mikeboe/pharma-research/pkg/evidence"
	"github.com/mikeboe/pharma-research/pkg/research"
)

// ResearchArgs are the arguments of the research tool.
type ResearchArgs struct {
	Drug    string `json:"drug" jsonschema:"the drug under study"`
	Disease string `json:"disease" jsonschema:"the disease or indication"`
}

// SearchEvidenceArgs are the arguments of the search_evidence tool.
type SearchEvidenceArgs struct {
	Query   string `json:"query" jsonschema:"the search query"`
	TopK    int    `json:"topK,omitempty" jsonschema:"the number of results to return, 5 when omitted"`
	Drug    string `json:"drug,omitempty" jsonschema:"only return evidence gathered for this drug"`
	Disease string `json:"disease,omitempty" jsonschema:"only return evidence gathered for this disease"`
}

// NewMCPServer exposes the service as MCP tools. search_evidence is only
// registered when the evidence index is configured.
func NewMCPServer(s *Service) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "pharma-research-mcp", Version: "1.0.0"}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "research",
		Description: "Run the drug/disease research pipeline and return the synthesized report with its sources.",
	}, researchTool(s))

	if s.Evidence != nil {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "search_evidence",
			Description: "Semantic search over papers and summaries gathered by earlier research runs.",
		}, searchEvidenceTool(s))
	}
	return server
}

// NewMCPHandler serves the MCP server over streamable HTTP with plain JSON
// responses.
func NewMCPHandler(s *Service) http.Handler {
	server := NewMCPServer(s)
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, &mcp.StreamableHTTPOptions{JSONResponse: true})
}

func researchTool(s *Service) mcp.ToolHandlerFor[ResearchArgs, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args ResearchArgs) (*mcp.CallToolResult, any, error) {
		_, out, err := s.Research(ctx, research.QueryInput{Drug: args.Drug, Disease: args.Disease})
		if err != nil {
			return nil, nil, err
		}
		return textResult(formatOutput(out)), nil, nil
	}
}

func searchEvidenceTool(s *Service) mcp.ToolHandlerFor[SearchEvidenceArgs, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args SearchEvidenceArgs) (*mcp.CallToolResult, any, error) {
		if strings.TrimSpace(args.Query) == "" {
			return nil, nil, fmt.Errorf("query is required")
		}
		hits, err := s.SearchEvidence(ctx, evidence.Query{
			Text:    args.Query,
			TopK:    args.TopK,
			Drug:    args.Drug,
			Disease: args.Disease,
		})
		if err != nil {
			return nil, nil, err
		}
		return textResult(evidence.Format(hits)), nil, nil
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

// formatOutput renders the report followed by its sources.
func formatOutput(out research.QueryOutput) string {
	var b strings.Builder
	b.WriteString(out.FinalReport)
	if len(out.Papers) == 0 {
		return b.String()
	}
	b.WriteString("\n\n## Sources\n")
	for i, p := range out.Papers {
		fmt.Fprintf(&b, "\n%d. %s (%s)", i+1, p.Title, p.Link)
	}
	return b.String()
}
