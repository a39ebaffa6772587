package catalog

var (
	urlParam = Param{Name: "url", Type: TypeString, Required: true, URL: true,
		Description: "Full URL to render (https:// required)"}
	queryParam = Param{Name: "query", Type: TypeString, Required: true, MinLen: 5, MaxLen: 2000,
		Description: "Research question or topic (5-2000 chars)"}
)

// DefaultTools is the built-in catalog. Prices are lamports.
func DefaultTools() []Tool {
	return []Tool{
		{
			Name:        "get_crypto_price",
			Description: "Real-time crypto price from Chainlink oracles and Binance.",
			Price:       100_000,
			Class:       ClassPrice,
			Mode:        ModeSync,
			Backend:     BackendPrice,
			Method:      "GET",
			Path:        "/v1/prices/{asset}",
			Params: []Param{{Name: "asset", Type: TypeString, Required: true, MaxLen: 16, Upper: true, PathParam: true,
				Description: "Crypto asset symbol (e.g. BTC, ETH, SOL)"}},
		},
		{
			Name:        "get_prediction_market",
			Description: "Polymarket CLOB best bid/ask for a prediction market.",
			Price:       100_000,
			Class:       ClassPrice,
			Mode:        ModeSync,
			Backend:     BackendPrice,
			Method:      "GET",
			Path:        "/v1/clob/{slug}",
			Params: []Param{{Name: "slug", Type: TypeString, Required: true, MaxLen: 256, PathParam: true,
				Description: "Polymarket market slug (e.g. will-bitcoin-hit-100k-in-2026)"}},
		},
		{
			Name:        "quick_research",
			Description: "Quick web-grounded research with citations (~20s).",
			Price:       5_000_000,
			Class:       ClassResearch,
			Mode:        ModeSync,
			Backend:     BackendResearch,
			Method:      "POST",
			Path:        "/v1/research",
			Fixed:       map[string]any{"tier": "quick"},
			Params:      []Param{queryParam},
		},
		{
			Name:        "deep_research",
			Description: "Deep multi-source research report (~5min). Returns a job id to poll.",
			Price:       20_000_000,
			Class:       ClassResearch,
			Mode:        ModeAsync,
			Backend:     BackendResearch,
			Method:      "POST",
			Path:        "/v1/research",
			Fixed:       map[string]any{"tier": "deep"},
			Params:      []Param{queryParam},
		},
		{
			Name:        "render_webpage",
			Description: "Render a page with headless Chromium and return markdown, text or html.",
			Price:       300_000,
			Class:       ClassRender,
			Mode:        ModeSync,
			Backend:     BackendRender,
			Method:      "POST",
			Path:        "/v1/render",
			Fixed:       map[string]any{"block_images": true},
			Params: []Param{
				urlParam,
				{Name: "format", Type: TypeString, Default: "markdown", Enum: []string{"markdown", "text", "html"},
					Description: "Output format"},
				{Name: "max_chars", Type: TypeInteger, Default: int64(50000), Min: 100, Max: 200000,
					Description: "Maximum characters to return (100-200000)"},
			},
		},
		{
			Name:        "screenshot_webpage",
			Description: "PNG screenshot of a page (base64).",
			Price:       500_000,
			Class:       ClassRender,
			Mode:        ModeSync,
			Backend:     BackendRender,
			Method:      "POST",
			Path:        "/v1/render/screenshot",
			Params: []Param{
				urlParam,
				{Name: "full_page", Type: TypeBoolean, Default: true,
					Description: "True for full page, false for viewport only"},
			},
		},
		{
			Name:        "extract_from_webpage",
			Description: "Extract elements from a rendered page by CSS selector.",
			Price:       300_000,
			Class:       ClassRender,
			Mode:        ModeSync,
			Backend:     BackendRender,
			Method:      "POST",
			Path:        "/v1/render/extract",
			Params: []Param{
				urlParam,
				{Name: "selector", Type: TypeString, Required: true, MaxLen: 1000,
					Description: "CSS selector (e.g. h1, .article-body, #main-content)"},
				{Name: "format", Type: TypeString, Default: "text", Enum: []string{"markdown", "text", "html"},
					Description: "Output format"},
			},
		},
		{
			Name:        "webpage_to_pdf",
			Description: "Convert a page to PDF (base64).",
			Price:       500_000,
			Class:       ClassRender,
			Mode:        ModeSync,
			Backend:     BackendRender,
			Method:      "POST",
			Path:        "/v1/render/pdf",
			Params:      []Param{urlParam},
		},
	}
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := New(DefaultTools())
	if err != nil {
		panic(err)
	}
	return c
}
