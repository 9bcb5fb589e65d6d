package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	defaultMaxResults = 5
	maxMaxResults     = 10
	maxSearchBody     = 2 << 20
)

// searchEndpoint is a variable so tests can point it at a local server.
var searchEndpoint = "https://html.duckduckgo.com/html/"

// The HTML endpoint needs no API key, which matters for a runtime that
// must keep working with nothing but its LLM credentials.
var (
	resultLinkPattern    = regexp.MustCompile(`(?s)<a[^>]*class="result__a"[^>]*href="([^"]+)"[^>]*>(.*?)</a>`)
	resultSnippetPattern = regexp.MustCompile(`(?s)<a[^>]*class="result__snippet"[^>]*>(.*?)</a>`)
	tagPattern           = regexp.MustCompile(`<[^>]*>`)
)

type webSearchArgs struct {
	Query      string `json:"query" jsonschema:"description=Search query"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Result count (default 5, max 10)"`
}

type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

func webSearchTool(env *Env) Descriptor {
	return Descriptor{
		Name:         "web_search",
		Description:  "Search the web and return result titles, URLs, and snippets.",
		Schema:       ArgsSchema[webSearchArgs](),
		Timeout:      30 * time.Second,
		ParallelSafe: true,
		Handler: Typed(func(ctx context.Context, args webSearchArgs) (string, error) {
			maxResults := args.MaxResults
			if maxResults <= 0 {
				maxResults = defaultMaxResults
			}
			if maxResults > maxMaxResults {
				maxResults = maxMaxResults
			}

			body, err := fetchSearchPage(ctx, env.httpClient(), args.Query)
			if err != nil {
				return "", err
			}

			results := parseSearchResults(body, maxResults)
			out, err := json.MarshalIndent(map[string]any{
				"query":   args.Query,
				"results": results,
			}, "", "  ")
			if err != nil {
				return "", err
			}
			return string(out), nil
		}),
	}
}

func fetchSearchPage(ctx context.Context, client *http.Client, query string) (string, error) {
	u := searchEndpoint + "?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; ouroboros/1.0)")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchBody))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func parseSearchResults(body string, max int) []searchResult {
	links := resultLinkPattern.FindAllStringSubmatch(body, -1)
	snippets := resultSnippetPattern.FindAllStringSubmatch(body, -1)

	results := make([]searchResult, 0, max)
	for i, link := range links {
		if len(results) >= max {
			break
		}
		r := searchResult{
			Title: cleanHTMLText(link[2]),
			URL:   resolveRedirect(link[1]),
		}
		if i < len(snippets) {
			r.Snippet = cleanHTMLText(snippets[i][1])
		}
		if r.URL == "" || r.Title == "" {
			continue
		}
		results = append(results, r)
	}
	return results
}

// resolveRedirect unwraps the //duckduckgo.com/l/?uddg=<real-url> links the
// HTML endpoint serves.
func resolveRedirect(href string) string {
	href = html.UnescapeString(href)
	if !strings.Contains(href, "/l/?") && !strings.Contains(href, "uddg=") {
		return href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if real := u.Query().Get("uddg"); real != "" {
		return real
	}
	return href
}

func cleanHTMLText(s string) string {
	s = tagPattern.ReplaceAllString(s, "")
	return strings.TrimSpace(html.UnescapeString(s))
}
