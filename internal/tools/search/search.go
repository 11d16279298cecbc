// Package search 提供基于 DuckDuckGo HTML 端点的网页搜索工具。
package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"Agent-Sandbox/pkg/logger"
)

const (
	// Name 是工具注册名。
	Name = "web_search"

	DefaultEndpoint   = "https://html.duckduckgo.com/html/"
	DefaultUserAgent  = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	DefaultMaxResults = 3
)

// Input 是搜索工具的输入。
type Input struct {
	Query  string `json:"query" jsonschema:"description=The search query." validate:"required"`
	Region string `json:"region,omitempty" jsonschema:"description=Optional region code such as us-en or de-de."`
}

// Result 是一条搜索结果。
type Result struct {
	Title   string
	Link    string
	Snippet string
}

// Tool 抓取搜索结果页并用 goquery 解析。
type Tool struct {
	endpoint   string
	userAgent  string
	maxResults int
	httpClient *http.Client
}

// Option 定义工具的可选配置。
type Option func(*Tool)

// WithEndpoint 替换搜索端点，测试中指向 httptest 服务。
func WithEndpoint(endpoint string) Option {
	return func(t *Tool) {
		if endpoint != "" {
			t.endpoint = endpoint
		}
	}
}

// WithMaxResults 设置返回的结果条数。
func WithMaxResults(n int) Option {
	return func(t *Tool) {
		if n > 0 {
			t.maxResults = n
		}
	}
}

// WithHTTPClient 替换 HTTP 客户端。
func WithHTTPClient(client *http.Client) Option {
	return func(t *Tool) {
		if client != nil {
			t.httpClient = client
		}
	}
}

// WithUserAgent 设置请求的 User-Agent。
func WithUserAgent(ua string) Option {
	return func(t *Tool) {
		if ua != "" {
			t.userAgent = ua
		}
	}
}

// New 创建搜索工具。
func New(opts ...Option) *Tool {
	t := &Tool{
		endpoint:   DefaultEndpoint,
		userAgent:  DefaultUserAgent,
		maxResults: DefaultMaxResults,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

func (t *Tool) Name() string { return Name }

func (t *Tool) Description() string {
	return fmt.Sprintf("Searches the web and returns the top %d results as title and link lines.", t.maxResults)
}

func (t *Tool) NewInput() any { return &Input{} }

func (t *Tool) RequiresConfirmation() bool { return true }

func (t *Tool) Preview(input any) string {
	in := input.(*Input)
	params := "{}"
	if in.Region != "" {
		params = fmt.Sprintf("{region: %s}", in.Region)
	}
	return fmt.Sprintf("!!  SEARCH PREVIEW !!\nAbout to search for:\n'%s' with params : %s\n\n Do you want to proceed? (y/n)",
		strings.TrimSpace(in.Query), params)
}

// Run 执行搜索。请求失败以文本形式返回，交由推理服务决定后续动作。
func (t *Tool) Run(ctx context.Context, input any) (string, error) {
	in := input.(*Input)
	log := logger.FromContext(ctx, logger.Named("search"))
	log.Info("执行网页搜索", slog.String("query", in.Query))

	results, err := t.Search(ctx, strings.TrimSpace(in.Query), in.Region)
	if err != nil {
		log.Error("网页搜索失败", slog.Any("error", err))
		return fmt.Sprintf("Error during search: %v", err), nil
	}
	if len(results) == 0 {
		return "No results found.", nil
	}
	lines := make([]string, 0, len(results))
	for _, r := range results {
		lines = append(lines, fmt.Sprintf("%s - %s", r.Title, r.Link))
	}
	return strings.Join(lines, "\n"), nil
}

// Search 返回最多 maxResults 条结果。
func (t *Tool) Search(ctx context.Context, query, region string) ([]Result, error) {
	form := url.Values{"q": {query}}
	if region != "" {
		form.Set("kl", region)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search endpoint returned %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse search results: %w", err)
	}

	var results []Result
	doc.Find(".result").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		anchor := sel.Find("a.result__a").First()
		href, ok := anchor.Attr("href")
		title := strings.TrimSpace(anchor.Text())
		if !ok || title == "" {
			return true
		}
		results = append(results, Result{
			Title:   title,
			Link:    resolveLink(href),
			Snippet: strings.TrimSpace(sel.Find(".result__snippet").Text()),
		})
		return len(results) < t.maxResults
	})
	return results, nil
}

// resolveLink 解开 DuckDuckGo 的跳转链接 (/l/?uddg=...)。
func resolveLink(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "" && strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	return href
}
