// Package webtools exposes the outward-facing tools: web search, page
// fetching and notification delivery. Search and notification backends are
// looked up in the service registry at call time, so the tools degrade to a
// structured unavailable error when no integration registered them.
package webtools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/wooster-ai/wooster/runtime/agent/toolerrors"
	"github.com/wooster-ai/wooster/runtime/agent/tools"
	"github.com/wooster-ai/wooster/runtime/plugin"
	"github.com/wooster-ai/wooster/runtime/services"
)

// Name is the canonical plugin name used in configuration.
const Name = "webtools"

func init() {
	plugin.Register(Name, func() plugin.Plugin { return &Plugin{} })
}

type (
	// Searcher is the contract a web search integration registers under
	// services.NameWebSearch.
	Searcher interface {
		Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
	}

	// SearchResult is one web search hit.
	SearchResult struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Snippet string `json:"snippet"`
	}

	// Notifier is the contract messaging integrations register under
	// services.NameDiscord and services.NameSignal.
	Notifier interface {
		Notify(ctx context.Context, message string) error
	}

	// Plugin carries the registry handle and the HTTP client used by
	// fetchText.
	Plugin struct {
		registry *services.Registry
		client   *http.Client
	}
)

// fetchLimit caps how much of a page fetchText returns.
const fetchLimit = 32 * 1024

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return Name }

// Init captures the registry and builds the HTTP client.
func (p *Plugin) Init(_ context.Context, b *services.Bundle) error {
	p.registry = b.Services
	p.client = &http.Client{Timeout: 20 * time.Second}
	return nil
}

// Tools implements plugin.ToolProvider.
func (p *Plugin) Tools() []*tools.Tool {
	return []*tools.Tool{
		p.webSearchTool(),
		p.fetchTextTool(),
		p.notifyTool("discordNotify", services.NameDiscord, "Send a notification to the configured Discord channel."),
		p.notifyTool("signalNotify", services.NameSignal, "Send a notification over Signal."),
	}
}

func (p *Plugin) webSearchTool() *tools.Tool {
	type args struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	return &tools.Tool{
		Name:        "webSearch",
		Description: "Search the web and return titles, URLs and snippets.",
		InputSchema: tools.ObjectSchema(map[string]any{
			"query": tools.StringProp("The search query."),
			"limit": map[string]any{"type": "integer", "description": "Maximum results, default 5."},
		}, "query"),
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var a args
			if err := json.Unmarshal(raw, &a); err != nil {
				return nil, toolerrors.Errorf("decode arguments: %v", err)
			}
			if a.Limit <= 0 {
				a.Limit = 5
			}
			searcher, err := services.LookupAs[Searcher](p.registry, services.NameWebSearch)
			if err != nil {
				return nil, toolerrors.Unavailable("webSearch", "no search backend registered")
			}
			results, err := searcher.Search(ctx, a.Query, a.Limit)
			if err != nil {
				return nil, toolerrors.NewWithCause("web search failed", err)
			}
			return map[string]any{"results": results}, nil
		},
	}
}

func (p *Plugin) fetchTextTool() *tools.Tool {
	type args struct {
		URL string `json:"url"`
	}
	return &tools.Tool{
		Name:        "fetchText",
		Description: "Fetch a web page and return its readable text.",
		InputSchema: tools.ObjectSchema(map[string]any{
			"url": tools.StringProp("The http(s) URL to fetch."),
		}, "url"),
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var a args
			if err := json.Unmarshal(raw, &a); err != nil {
				return nil, toolerrors.Errorf("decode arguments: %v", err)
			}
			if !strings.HasPrefix(a.URL, "http://") && !strings.HasPrefix(a.URL, "https://") {
				return nil, toolerrors.New("only http and https URLs are supported")
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
			if err != nil {
				return nil, toolerrors.Errorf("build request: %v", err)
			}
			req.Header.Set("User-Agent", "wooster/1.0")
			resp, err := p.client.Do(req)
			if err != nil {
				return nil, toolerrors.NewWithCause("fetch failed", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return nil, toolerrors.Errorf("fetch returned %s", resp.Status)
			}
			body, err := io.ReadAll(io.LimitReader(resp.Body, fetchLimit))
			if err != nil {
				return nil, toolerrors.NewWithCause("read body", err)
			}
			return map[string]any{
				"url":  a.URL,
				"text": stripHTML(string(body)),
			}, nil
		},
	}
}

func (p *Plugin) notifyTool(toolName, serviceName, description string) *tools.Tool {
	type args struct {
		Message string `json:"message"`
	}
	return &tools.Tool{
		Name:        toolName,
		Description: description,
		InputSchema: tools.ObjectSchema(map[string]any{
			"message": tools.StringProp("The notification text."),
		}, "message"),
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var a args
			if err := json.Unmarshal(raw, &a); err != nil {
				return nil, toolerrors.Errorf("decode arguments: %v", err)
			}
			notifier, err := services.LookupAs[Notifier](p.registry, serviceName)
			if err != nil {
				return nil, toolerrors.Unavailable(toolName, fmt.Sprintf("no %s backend registered", serviceName))
			}
			if err := notifier.Notify(ctx, a.Message); err != nil {
				return nil, toolerrors.NewWithCause("notification failed", err)
			}
			return map[string]string{"status": "sent"}, nil
		},
	}
}

var (
	scriptRE = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRE    = regexp.MustCompile(`<[^>]+>`)
	spaceRE  = regexp.MustCompile(`[ \t]+`)
	blankRE  = regexp.MustCompile(`\n{3,}`)
)

// stripHTML reduces a page to its visible text. It is deliberately crude;
// the agent only needs readable content, not fidelity.
func stripHTML(html string) string {
	text := scriptRE.ReplaceAllString(html, " ")
	text = tagRE.ReplaceAllString(text, " ")
	text = strings.NewReplacer("&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'").Replace(text)
	text = spaceRE.ReplaceAllString(text, " ")
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		lines = append(lines, strings.TrimSpace(line))
	}
	text = strings.Join(lines, "\n")
	return strings.TrimSpace(blankRE.ReplaceAllString(text, "\n\n"))
}
