package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/John-Robertt/anires/internal/infra/cache"
	"github.com/John-Robertt/anires/internal/infra/ratelimit"
)

const defaultMaxBody = 8 << 20

// Request 描述一次上游请求。
type Request struct {
	URL    string
	Method string // 为空视为 GET
	Header http.Header
	Body   []byte

	// NoCache=true 时既不读也不写缓存（例如取 token）。
	NoCache bool
	// Direct=true 时不经过 CORS/反向代理。
	Direct bool
}

// Response 是上游响应（已读完 body）。
type Response struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Cached      bool
}

// Fetcher 是所有 adapter 共享的抓取通道：缓存 -> 限速队列 -> http.Client -> 回写缓存。
//
// 约束：
// - 只有 GET 且 2xx 的响应会进入缓存；key 为目标 URL（不含代理前缀）
// - 命中缓存不占用限速名额
// - 所有错误都包装为 *Error{Kind: network}
type Fetcher struct {
	Client  *http.Client
	Cache   cache.Cache
	Limiter *ratelimit.Limiter

	// CORSProxy 是可选的代理基址：含 "{url}" 时按模板替换（目标 URL 做 query 转义），
	// 否则直接作为前缀拼在目标 URL 前。
	CORSProxy string

	Log     *zerolog.Logger
	MaxBody int64
}

// Do 执行一次请求；provider 用于选择限速队列与日志字段。
func (f *Fetcher) Do(ctx context.Context, provider string, req Request) (Response, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	target := strings.TrimSpace(req.URL)
	if target == "" {
		return Response{}, &Error{Provider: provider, Op: "fetch", Kind: KindNetwork, Err: errors.New("url 不能为空")}
	}
	cacheable := method == http.MethodGet && !req.NoCache && f.Cache != nil

	if cacheable {
		if b, ok := f.Cache.Get(ctx, target); ok {
			f.log().Debug().Str("provider", provider).Str("url", target).Msg("cache hit")
			return Response{URL: target, StatusCode: http.StatusOK, Body: b, Cached: true}, nil
		}
	}

	run := func(ctx context.Context) (Response, error) {
		// 排队期间可能已被其它调用写入缓存。
		if cacheable {
			if b, ok := f.Cache.Get(ctx, target); ok {
				return Response{URL: target, StatusCode: http.StatusOK, Body: b, Cached: true}, nil
			}
		}
		return f.roundTrip(ctx, method, target, req)
	}

	var (
		resp Response
		err  error
	)
	if f.Limiter != nil {
		resp, err = ratelimit.Run(ctx, f.Limiter, provider, run)
	} else {
		resp, err = run(ctx)
	}
	if err != nil {
		var pe *Error
		if !errors.As(err, &pe) {
			err = &Error{Provider: provider, Op: "fetch", Kind: KindNetwork, Err: err}
		}
		f.log().Debug().Err(err).Str("provider", provider).Str("url", target).Msg("fetch failed")
		return Response{}, err
	}
	if cacheable && !resp.Cached {
		f.Cache.Put(ctx, target, resp.Body)
	}
	return resp, nil
}

func (f *Fetcher) roundTrip(ctx context.Context, method, target string, req Request) (Response, error) {
	wire := target
	if !req.Direct {
		wire = ProxyURL(f.CORSProxy, target)
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, method, wire, body)
	if err != nil {
		return Response{}, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}

	c := f.Client
	if c == nil {
		c = http.DefaultClient
	}
	start := time.Now()
	hresp, err := c.Do(hreq)
	if err != nil {
		return Response{}, err
	}
	defer hresp.Body.Close()

	max := f.MaxBody
	if max <= 0 {
		max = defaultMaxBody
	}
	b, err := io.ReadAll(io.LimitReader(hresp.Body, max))
	if err != nil {
		return Response{}, err
	}
	f.log().Debug().
		Str("url", target).
		Int("status", hresp.StatusCode).
		Int("bytes", len(b)).
		Dur("took", time.Since(start)).
		Msg("fetched")

	if reason := challengeReason(hresp, b); reason != "" {
		return Response{}, &BlockedError{URL: target, Reason: reason}
	}
	if hresp.StatusCode < 200 || hresp.StatusCode >= 300 {
		return Response{}, &HTTPStatusError{URL: target, StatusCode: hresp.StatusCode, Location: hresp.Header.Get("Location")}
	}
	return Response{
		URL:         target,
		StatusCode:  hresp.StatusCode,
		ContentType: hresp.Header.Get("Content-Type"),
		Body:        b,
	}, nil
}

// challengeReason 识别常见的“人机验证”页面。
func challengeReason(resp *http.Response, body []byte) string {
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusServiceUnavailable && resp.StatusCode != http.StatusTooManyRequests {
		return ""
	}
	if resp.Header.Get("Cf-Mitigated") == "challenge" {
		return "cf-challenge"
	}
	switch {
	case bytes.Contains(body, []byte("challenge-platform")), bytes.Contains(body, []byte("cf-browser-verification")):
		return "cf-challenge"
	case bytes.Contains(body, []byte("<title>Just a moment")):
		return "cf-challenge"
	case bytes.Contains(body, []byte("g-recaptcha")), bytes.Contains(body, []byte("h-captcha")):
		return "captcha"
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return "rate-limited"
	}
	return ""
}

// ProxyURL 把目标 URL 套上 CORS/反向代理基址；base 为空时原样返回。
func ProxyURL(base, target string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return target
	}
	if strings.Contains(base, "{url}") {
		return strings.ReplaceAll(base, "{url}", url.QueryEscape(target))
	}
	return base + target
}

// Get 是 GET + 读 body 的快捷方式。
func (f *Fetcher) Get(ctx context.Context, provider, rawURL string, header http.Header) ([]byte, error) {
	resp, err := f.Do(ctx, provider, Request{URL: rawURL, Header: header})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// GetJSON 抓取并解码 JSON；解码失败归类为 parse 错误。
func (f *Fetcher) GetJSON(ctx context.Context, provider, op, rawURL string, header http.Header, v any) error {
	b, err := f.Get(ctx, provider, rawURL, withAccept(header, "application/json"))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return ParseError(provider, op, fmt.Errorf("decode %s: %w", rawURL, err))
	}
	return nil
}

// GetDocument 抓取并解析 HTML。
func (f *Fetcher) GetDocument(ctx context.Context, provider, op, rawURL string, header http.Header) (*goquery.Document, error) {
	b, err := f.Get(ctx, provider, rawURL, header)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(b))
	if err != nil {
		return nil, ParseError(provider, op, err)
	}
	return doc, nil
}

// Transport 返回一个把请求转交给 Fetcher 的 RoundTripper，
// 供自带 HTTP 栈的抓取框架（colly）复用缓存与限速。
func (f *Fetcher) Transport(provider string) http.RoundTripper {
	return &fetcherTransport{f: f, provider: provider}
}

type fetcherTransport struct {
	f        *Fetcher
	provider string
}

func (t *fetcherTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
		body = b
	}
	resp, err := t.f.Do(req.Context(), t.provider, Request{
		URL:    req.URL.String(),
		Method: req.Method,
		Header: req.Header,
		Body:   body,
	})
	if err != nil {
		return nil, err
	}
	// 缓存命中时没有 Content-Type；colly 只对 html 类型触发 OnHTML，这里按内容补上。
	ct := resp.ContentType
	if ct == "" {
		ct = http.DetectContentType(resp.Body)
	}
	h := make(http.Header)
	h.Set("Content-Type", ct)
	return &http.Response{
		Status:        http.StatusText(resp.StatusCode),
		StatusCode:    resp.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       req,
	}, nil
}

func (f *Fetcher) log() *zerolog.Logger { return Logger(f.Log) }

func withAccept(h http.Header, accept string) http.Header {
	out := make(http.Header, len(h)+1)
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	if out.Get("Accept") == "" {
		out.Set("Accept", accept)
	}
	return out
}
