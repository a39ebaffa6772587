package mcpserver

import (
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/chadgate/internal/catalog"
)

// Descriptions are what the LLM reads to decide which tool to use.

var ToolListServices = mcp.NewTool("list_services",
	mcp.WithDescription(
		"List every available service with its price in SOL, parameters and the "+
			"x402 payment details (network and recipient address)."),
)

var ToolGetJobStatus = mcp.NewTool("get_job_status",
	mcp.WithDescription(
		"Check a background job started by a long-running tool such as deep_research. "+
			"Returns its status and, once completed, the result."),
	mcp.WithString("job_id",
		mcp.Required(),
		mcp.Description("The job ID returned when the job was started (e.g. 'job_...')")),
)

// catalogTool builds the MCP schema for a catalog entry.
func catalogTool(t *catalog.Tool) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(toolDescription(t))}
	for _, p := range t.Params {
		var props []mcp.PropertyOption
		if p.Description != "" {
			props = append(props, mcp.Description(p.Description))
		}
		if p.Required {
			props = append(props, mcp.Required())
		}

		switch p.Type {
		case catalog.TypeString:
			if len(p.Enum) > 0 {
				props = append(props, mcp.Enum(p.Enum...))
			}
			if p.MinLen > 0 {
				props = append(props, mcp.MinLength(p.MinLen))
			}
			if p.MaxLen > 0 {
				props = append(props, mcp.MaxLength(p.MaxLen))
			}
			if s, ok := p.Default.(string); ok {
				props = append(props, mcp.DefaultString(s))
			}
			opts = append(opts, mcp.WithString(p.Name, props...))
		case catalog.TypeInteger:
			if p.Max > 0 {
				props = append(props, mcp.Min(float64(p.Min)), mcp.Max(float64(p.Max)))
			}
			if n, ok := number(p.Default); ok {
				props = append(props, mcp.DefaultNumber(n))
			}
			opts = append(opts, mcp.WithNumber(p.Name, props...))
		case catalog.TypeBoolean:
			if b, ok := p.Default.(bool); ok {
				props = append(props, mcp.DefaultBool(b))
			}
			opts = append(opts, mcp.WithBoolean(p.Name, props...))
		}
	}
	return mcp.NewTool(t.Name, opts...)
}

func toolDescription(t *catalog.Tool) string {
	d := t.Description
	if t.Free() {
		d += " Free."
	} else {
		d += fmt.Sprintf(" Costs %s SOL per call.", t.PriceSOL())
	}
	if t.Async() {
		d += " Runs as a background job; the call waits for the result."
	}
	return d
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
