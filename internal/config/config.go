package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// ErrCodeNotFound 表示 --config 指定的文件不存在。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
)

// FileName 是 cwd 下自动发现的配置文件名。
const FileName = "anires.json"

// 可注册的 provider 名（也是 base_urls 的合法键）。
const (
	ProviderHianime  = "hianime"
	ProviderAniwatch = "aniwatch"
	ProviderConsumet = "consumet"
	ProviderGogo     = "gogo"
	ProviderDirlist  = "dirlist"
	ProviderCrunchy  = "crunchy"
)

var knownProviders = []string{ProviderHianime, ProviderAniwatch, ProviderConsumet, ProviderGogo, ProviderDirlist, ProviderCrunchy}

// DefaultProviders 是未配置 providers 时的优先级顺序（不需要凭据/地址的 provider）。
var DefaultProviders = []string{ProviderHianime, ProviderAniwatch, ProviderConsumet, ProviderGogo}

const (
	DefaultRequestDelay = 1000 * time.Millisecond
	DefaultTimeout      = 30 * time.Second
	DefaultCacheTTL     = 5 * time.Minute
	DefaultCacheEntries = 512
	DefaultLogLevel     = "info"
	DefaultListen       = "127.0.0.1:8787"
	DefaultConsumetSite = "gogoanime"
	DefaultCrunchyLang  = "en-US"
)

// CLIArgs 是 CLI 暴露的覆盖项，保留“是否显式指定”的信息，
// 这样 --timeout=0 之类的显式值也能覆盖配置文件。
type CLIArgs struct {
	ConfigPath string

	Providers    []string
	ProvidersSet bool

	Listen    string
	ListenSet bool

	LogLevel    string
	LogLevelSet bool

	TimeoutSeconds    int
	TimeoutSecondsSet bool

	NoCache bool
}

// FileConfig 对应 anires.json 的解析结构。
type FileConfig struct {
	Providers      []string          `json:"providers"`
	BaseURLs       map[string]string `json:"base_urls"`
	ConsumetSite   string            `json:"consumet_site"`
	DirlistURL     string            `json:"dirlist_url"`
	Crunchy        *CrunchyConfig    `json:"crunchy"`
	Proxy          *ProxyConfig      `json:"proxy"`
	CORSProxy      string            `json:"cors_proxy"`
	RequestDelayMS *int              `json:"request_delay_ms"`
	TimeoutSeconds *int              `json:"timeout_seconds"`
	Cache          *CacheConfig      `json:"cache"`
	Log            *LogConfig        `json:"log"`
	Listen         string            `json:"listen"`
}

type ProxyConfig struct {
	URL string `json:"url"`
}

type CrunchyConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Locale       string `json:"locale"`
}

type CacheConfig struct {
	TTLSeconds *int   `json:"ttl_seconds"`
	MaxEntries int    `json:"max_entries"`
	Dir        string `json:"dir"`
	RedisURL   string `json:"redis_url"`
}

type LogConfig struct {
	Level string `json:"level"`
	File  string `json:"file"`
}

// EffectiveConfig 是合并、补默认值并校验后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	// ConfigPath 是实际读取的配置文件；没有配置文件时为空。
	ConfigPath string

	Providers    []string
	BaseURLs     map[string]string
	ConsumetSite string
	DirlistURL   string

	CrunchyClientID     string
	CrunchyClientSecret string
	CrunchyLocale       string

	ProxyURL  string
	CORSProxy string

	RequestDelay time.Duration
	// Timeout 作用于每一次解析调用；0 表示不限。
	Timeout time.Duration

	// CacheTTL 为 0 表示不缓存。
	CacheTTL        time.Duration
	CacheMaxEntries int
	CacheDir        string
	RedisURL        string

	LogLevel zerolog.Level
	LogFile  string

	Listen string
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 按约定发现并读取配置文件，然后与 CLI 参数合并为最终配置。
//
// 发现规则（固定）：
// 1) CLI 提供 --config：必须存在，否则 config_not_found
// 2) 否则尝试 <cwd>/anires.json（可选，不存在就全部用默认值）
//
// 覆盖优先级（固定）：CLI > 配置文件 > 内置默认值。
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	cfgPath := filepath.Join(cwdAbs, FileName)
	required := false
	if strings.TrimSpace(cli.ConfigPath) != "" {
		cfgPath = absCleanFrom(cwdAbs, cli.ConfigPath)
		required = true
	}

	fc, exists, err := readFileConfig(cfgPath)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	if !exists {
		if required {
			return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
		}
		cfgPath = ""
	}

	eff, err := merge(cwdAbs, cli, fc)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	eff.ConfigPath = cfgPath
	return eff, nil
}

func merge(cwd string, cli CLIArgs, fc FileConfig) (EffectiveConfig, error) {
	eff := EffectiveConfig{
		ConsumetSite:    strings.TrimSpace(fc.ConsumetSite),
		DirlistURL:      strings.TrimSpace(fc.DirlistURL),
		CORSProxy:       strings.TrimSpace(fc.CORSProxy),
		RequestDelay:    DefaultRequestDelay,
		Timeout:         DefaultTimeout,
		CacheTTL:        DefaultCacheTTL,
		CacheMaxEntries: DefaultCacheEntries,
		Listen:          strings.TrimSpace(fc.Listen),
		CrunchyLocale:   DefaultCrunchyLang,
	}

	// providers：CLI > config > 默认
	providers := DefaultProviders
	if cli.ProvidersSet {
		providers = cli.Providers
	} else if len(fc.Providers) > 0 {
		providers = fc.Providers
	}
	ps, err := normalizeProviders(providers)
	if err != nil {
		return EffectiveConfig{}, err
	}
	eff.Providers = ps

	eff.BaseURLs = make(map[string]string, len(fc.BaseURLs))
	for k, v := range fc.BaseURLs {
		name := strings.ToLower(strings.TrimSpace(k))
		if !known(name) {
			return EffectiveConfig{}, fmt.Errorf("base_urls 含未知 provider：%q", k)
		}
		u, err := httpURL("base_urls."+name, v)
		if err != nil {
			return EffectiveConfig{}, err
		}
		eff.BaseURLs[name] = u
	}

	if eff.ConsumetSite == "" {
		eff.ConsumetSite = DefaultConsumetSite
	}
	if eff.DirlistURL != "" {
		if eff.DirlistURL, err = httpURL("dirlist_url", eff.DirlistURL); err != nil {
			return EffectiveConfig{}, err
		}
	}
	if fc.Crunchy != nil {
		eff.CrunchyClientID = strings.TrimSpace(fc.Crunchy.ClientID)
		eff.CrunchyClientSecret = strings.TrimSpace(fc.Crunchy.ClientSecret)
		if l := strings.TrimSpace(fc.Crunchy.Locale); l != "" {
			eff.CrunchyLocale = l
		}
	}
	for _, p := range eff.Providers {
		switch {
		case p == ProviderDirlist && eff.DirlistURL == "":
			return EffectiveConfig{}, fmt.Errorf("启用了 dirlist 但 dirlist_url 为空")
		case p == ProviderCrunchy && eff.CrunchyClientID == "":
			return EffectiveConfig{}, fmt.Errorf("启用了 crunchy 但 crunchy.client_id 为空")
		}
	}

	if fc.Proxy != nil && strings.TrimSpace(fc.Proxy.URL) != "" {
		if eff.ProxyURL, err = httpURL("proxy.url", fc.Proxy.URL); err != nil {
			return EffectiveConfig{}, err
		}
	}
	if eff.CORSProxy != "" {
		// 既可以是前缀，也可以是含 {url} 的模板；两种都必须是 http(s) 地址。
		bare := strings.ReplaceAll(eff.CORSProxy, "{url}", "")
		if _, err := httpURL("cors_proxy", bare); err != nil {
			return EffectiveConfig{}, err
		}
	}

	if fc.RequestDelayMS != nil {
		if *fc.RequestDelayMS < 0 {
			return EffectiveConfig{}, fmt.Errorf("request_delay_ms 不能为负数：%d", *fc.RequestDelayMS)
		}
		eff.RequestDelay = time.Duration(*fc.RequestDelayMS) * time.Millisecond
	}

	// timeout：CLI > config > 默认
	if cli.TimeoutSecondsSet || fc.TimeoutSeconds != nil {
		secs := cli.TimeoutSeconds
		if !cli.TimeoutSecondsSet {
			secs = *fc.TimeoutSeconds
		}
		if secs < 0 {
			return EffectiveConfig{}, fmt.Errorf("timeout_seconds 不能为负数：%d", secs)
		}
		eff.Timeout = time.Duration(secs) * time.Second
	}

	if c := fc.Cache; c != nil {
		if c.TTLSeconds != nil {
			if *c.TTLSeconds < 0 {
				return EffectiveConfig{}, fmt.Errorf("cache.ttl_seconds 不能为负数：%d", *c.TTLSeconds)
			}
			eff.CacheTTL = time.Duration(*c.TTLSeconds) * time.Second
		}
		if c.MaxEntries < 0 {
			return EffectiveConfig{}, fmt.Errorf("cache.max_entries 不能为负数：%d", c.MaxEntries)
		}
		if c.MaxEntries > 0 {
			eff.CacheMaxEntries = c.MaxEntries
		}
		if d := strings.TrimSpace(c.Dir); d != "" {
			eff.CacheDir = absCleanFrom(cwd, d)
		}
		if r := strings.TrimSpace(c.RedisURL); r != "" {
			u, err := url.Parse(r)
			if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") || u.Host == "" {
				return EffectiveConfig{}, fmt.Errorf("cache.redis_url 必须是 redis:// 或 rediss:// 地址：%q", r)
			}
			eff.RedisURL = r
		}
	}
	if cli.NoCache {
		eff.CacheTTL = 0
		eff.CacheDir = ""
		eff.RedisURL = ""
	}

	// log.level：CLI > config > 默认
	level := DefaultLogLevel
	if cli.LogLevelSet {
		level = cli.LogLevel
	} else if fc.Log != nil && strings.TrimSpace(fc.Log.Level) != "" {
		level = fc.Log.Level
	}
	lv, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return EffectiveConfig{}, fmt.Errorf("log.level 无效：%q", level)
	}
	eff.LogLevel = lv
	if fc.Log != nil && strings.TrimSpace(fc.Log.File) != "" {
		eff.LogFile = absCleanFrom(cwd, fc.Log.File)
	}

	// listen：CLI > config > 默认
	if cli.ListenSet {
		eff.Listen = strings.TrimSpace(cli.Listen)
	}
	if eff.Listen == "" {
		eff.Listen = DefaultListen
	}
	return eff, nil
}

func known(name string) bool {
	for _, k := range knownProviders {
		if k == name {
			return true
		}
	}
	return false
}

// normalizeProviders 小写化、去空白，并拒绝未知或重复的 provider。
func normalizeProviders(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, p := range in {
		name := strings.ToLower(strings.TrimSpace(p))
		if name == "" {
			continue
		}
		if !known(name) {
			return nil, fmt.Errorf("未知 provider：%q（可选：%s）", p, strings.Join(knownProviders, ", "))
		}
		if _, ok := seen[name]; ok {
			return nil, fmt.Errorf("provider 重复：%q", name)
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("providers 不能为空")
	}
	return out, nil
}

// httpURL 校验 http/https 绝对地址，返回去掉末尾 "/" 的形式。
func httpURL(field, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%s 无效：%q", field, raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%s 必须是 http/https：%q", field, raw)
	}
	return strings.TrimRight(raw, "/"), nil
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
// - p 若已是绝对路径：直接 Clean
// - p 若是相对路径：Join(base, p) 后 Clean
func absCleanFrom(base, p string) string {
	p = filepath.Clean(strings.TrimSpace(p))
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析 JSON 配置文件。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	if err := json.Unmarshal(b, &fc); err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
