package main

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/John-Robertt/anires/internal/config"
	"github.com/John-Robertt/anires/internal/domain"
	"github.com/John-Robertt/anires/internal/resolve"
)

var _ resolve.Observer = (*progressUI)(nil)

// progressUI 是交互终端下的解析进度输出。
//
// 约束：
// - 只写到 stderr（或 fallback 到 stdout），JSON 结果另走 stdout
// - 事件驱动：resolve 层只发事件，CLI 决定如何展示
// - keepalive：某一步长时间没有结论时定期输出一行，说明还卡在哪个 provider 的哪一步
type progressUI struct {
	w io.Writer

	mu          sync.Mutex
	startedAt   time.Time
	lastPrinted time.Time

	provider string
	stage    domain.Stage

	keepaliveThreshold time.Duration
	tickerInterval     time.Duration

	stopCh        chan struct{}
	tickerStarted bool
}

func newProgressUI(w io.Writer) *progressUI {
	return &progressUI{
		w:                  w,
		keepaliveThreshold: 6 * time.Second,
		tickerInterval:     2 * time.Second,
	}
}

// printConfig 输出生效配置，降低“到底用了哪些 provider / 代理”的猜测成本。
func (p *progressUI) printConfig(eff config.EffectiveConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.w, "配置（生效）:")
	if eff.ConfigPath != "" {
		fmt.Fprintf(p.w, "  config: %s\n", eff.ConfigPath)
	}
	fmt.Fprintf(p.w, "  providers: %s\n", strings.Join(eff.Providers, " -> "))
	fmt.Fprintf(p.w, "  proxy: %s\n", formatProxy(eff.ProxyURL))
	if eff.CORSProxy != "" {
		fmt.Fprintf(p.w, "  cors_proxy: %s\n", truncate(eff.CORSProxy, 120))
	}
	fmt.Fprintf(p.w, "  request_delay: %s\n", eff.RequestDelay)
	fmt.Fprintf(p.w, "  timeout: %s\n", formatTimeout(eff.Timeout))
	fmt.Fprintf(p.w, "  cache: %s\n", formatCache(eff))
	fmt.Fprintln(p.w)
	p.lastPrinted = time.Now()
}

func (p *progressUI) OnStart(_, input string) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.startedAt = now
	p.provider = ""
	p.stage = domain.StageIdle
	fmt.Fprintf(p.w, "[%s] 解析：%s\n", now.Format("15:04:05"), truncate(input, 120))
	p.lastPrinted = now
	if !p.tickerStarted {
		p.startTickerLocked()
	}
}

func (p *progressUI) OnStage(_, provider string, stage domain.Stage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if provider != p.provider {
		fmt.Fprintf(p.w, "  %s\n", provider)
	}
	p.provider = provider
	p.stage = stage
}

func (p *progressUI) OnAttempt(_ string, a domain.Attempt) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.w, "    %s\n", formatAttempt(a))
	p.lastPrinted = time.Now()
}

func (p *progressUI) OnDone(_ string, f *domain.Failure, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if f == nil {
		fmt.Fprintf(p.w, "完成 (%s)\n", formatShortDuration(dur))
	} else {
		fmt.Fprintf(p.w, "失败 %s@%s: %s (%s)\n", f.Code, f.Stage, truncate(f.Message, 160), formatShortDuration(dur))
	}
	p.lastPrinted = time.Now()

	if p.tickerStarted {
		close(p.stopCh)
		p.tickerStarted = false
	}
}

func (p *progressUI) startTickerLocked() {
	p.stopCh = make(chan struct{})
	p.tickerStarted = true
	stop := p.stopCh

	interval := p.tickerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	threshold := p.keepaliveThreshold
	if threshold <= 0 {
		threshold = 6 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				p.mu.Lock()
				if time.Since(p.lastPrinted) > threshold {
					fmt.Fprintf(p.w, "    仍在等待：%s %s elapsed=%s\n",
						p.provider, p.stage, formatElapsed(time.Since(p.startedAt)),
					)
					p.lastPrinted = time.Now()
				}
				p.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

func formatAttempt(a domain.Attempt) string {
	s := string(a.Stage) + " " + a.Outcome
	if d := strings.TrimSpace(a.Detail); d != "" {
		s += ": " + truncate(d, 100)
	}
	return s
}

// formatAttemptChain 把失败链压成一行，供非交互模式的摘要使用。
func formatAttemptChain(attempts []domain.Attempt, max int) string {
	if len(attempts) == 0 || max == 0 {
		return ""
	}
	if max < 0 {
		max = len(attempts)
	}
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		if a.Outcome == domain.OutcomeOK {
			continue
		}
		s := a.Provider + ":" + string(a.Stage) + ":" + a.Outcome
		if a.Provider == "" {
			s = string(a.Stage) + ":" + a.Outcome
		}
		parts = append(parts, s)
		if len(parts) >= max {
			break
		}
	}
	return strings.Join(parts, ";")
}

func formatProxy(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "off"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "on (" + truncate(raw, 120) + ")"
	}
	auth := "off"
	if u.User != nil {
		auth = "on"
	}
	return fmt.Sprintf("on (%s://%s, auth=%s)", u.Scheme, u.Host, auth)
}

func formatTimeout(d time.Duration) string {
	if d <= 0 {
		return "off"
	}
	return d.String()
}

func formatCache(eff config.EffectiveConfig) string {
	if eff.CacheTTL <= 0 {
		return "off"
	}
	layers := []string{fmt.Sprintf("memory(%d)", eff.CacheMaxEntries)}
	if eff.CacheDir != "" {
		layers = append(layers, "disk("+eff.CacheDir+")")
	}
	if eff.RedisURL != "" {
		layers = append(layers, "redis")
	}
	return fmt.Sprintf("%s ttl=%s", strings.Join(layers, " + "), eff.CacheTTL)
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
