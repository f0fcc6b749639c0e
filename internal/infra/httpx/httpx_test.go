package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestNewClient_ProxyDisablesKeepAlive(t *testing.T) {
	c, err := NewClient(Options{ProxyURL: "http://127.0.0.1:8080"})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	tr, ok := c.Transport.(*Transport)
	if !ok {
		t.Fatalf("期望 *Transport，实际 %T", c.Transport)
	}
	base := tr.Base.(*http.Transport)
	if base.Proxy == nil {
		t.Fatalf("期望启用代理，但 Proxy=nil")
	}
	if !base.DisableKeepAlives {
		t.Fatalf("期望禁用 keep-alive，但 Base.DisableKeepAlives=false")
	}
	if !tr.DisableKeepAlives {
		t.Fatalf("期望设置 Request.Close=true，但 DisableKeepAlives=false")
	}
}

func TestNewClient_NoProxyKeepsDefault(t *testing.T) {
	c, err := NewClient(Options{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	tr := c.Transport.(*Transport)
	base := tr.Base.(*http.Transport)
	if base.Proxy != nil {
		t.Fatalf("不期望启用代理，但 Proxy!=nil")
	}
	if base.DisableKeepAlives {
		t.Fatalf("不期望禁用 keep-alive")
	}
	if c.Timeout != 5*time.Second {
		t.Fatalf("超时未生效：%v", c.Timeout)
	}
}

func TestNewClient_InvalidProxyURL(t *testing.T) {
	if _, err := NewClient(Options{ProxyURL: "http://[::1"}); err == nil {
		t.Fatalf("期望错误，但得到 nil")
	}
	if _, err := NewClient(Options{ProxyURL: "127.0.0.1:8080"}); err == nil {
		t.Fatalf("期望非绝对 URL 报错")
	}
}

type flakyRT struct {
	fails int
	calls int
	uas   []string
}

func (f *flakyRT) RoundTrip(r *http.Request) (*http.Response, error) {
	f.calls++
	f.uas = append(f.uas, r.Header.Get("User-Agent"))
	if f.calls <= f.fails {
		return nil, errors.New("connection reset")
	}
	return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader("ok")), Request: r}, nil
}

func TestTransport_RetriesTransportErrors(t *testing.T) {
	base := &flakyRT{fails: 2}
	tr := &Transport{Base: base, ua: globalUA, RetryMax: 2}

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://a.test/", nil)
	resp, err := tr.RoundTrip(req)
	if err != nil {
		t.Fatalf("第三次应成功：%v", err)
	}
	resp.Body.Close()
	if base.calls != 3 {
		t.Fatalf("期望 3 次尝试，实际 %d", base.calls)
	}
	for _, ua := range base.uas {
		if ua == "" {
			t.Fatalf("每次尝试都应带 UA")
		}
	}
	if req.Header.Get("User-Agent") != "" {
		t.Fatalf("不应修改调用方的 request")
	}
}

func TestTransport_NoRetryForBody(t *testing.T) {
	base := &flakyRT{fails: 5}
	tr := &Transport{Base: base, RetryMax: 2}

	req, _ := http.NewRequest(http.MethodPost, "http://a.test/", strings.NewReader("x"))
	if _, err := tr.RoundTrip(req); err == nil {
		t.Fatalf("期望错误")
	}
	if base.calls != 1 {
		t.Fatalf("带 body 的请求不应重试，实际 %d 次", base.calls)
	}
}
