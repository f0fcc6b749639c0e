package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadEffective_NoConfigUsesDefaults(t *testing.T) {
	cwd := t.TempDir()

	eff, err := LoadEffective(cwd, CLIArgs{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.ConfigPath != "" {
		t.Fatalf("期望没有配置文件，实际=%q", eff.ConfigPath)
	}
	if !reflect.DeepEqual(eff.Providers, DefaultProviders) {
		t.Fatalf("期望默认 providers=%v，实际=%v", DefaultProviders, eff.Providers)
	}
	if eff.RequestDelay != DefaultRequestDelay || eff.Timeout != DefaultTimeout {
		t.Fatalf("默认 delay/timeout 不对：%v / %v", eff.RequestDelay, eff.Timeout)
	}
	if eff.CacheTTL != DefaultCacheTTL || eff.CacheMaxEntries != DefaultCacheEntries {
		t.Fatalf("默认缓存参数不对：%v / %d", eff.CacheTTL, eff.CacheMaxEntries)
	}
	if eff.LogLevel != zerolog.InfoLevel {
		t.Fatalf("期望 info，实际=%v", eff.LogLevel)
	}
	if eff.Listen != DefaultListen || eff.ConsumetSite != DefaultConsumetSite {
		t.Fatalf("默认 listen/consumet_site 不对：%q / %q", eff.Listen, eff.ConsumetSite)
	}
}

func TestLoadEffective_ExplicitConfigNotFound(t *testing.T) {
	cwd := t.TempDir()

	_, err := LoadEffective(cwd, CLIArgs{ConfigPath: "missing.json"})
	if Code(err) != ErrCodeNotFound {
		t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeNotFound, err, Code(err))
	}
}

func TestLoadEffective_FullFile(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, FileName), []byte(`{
		"providers": ["Gogo", "dirlist", "crunchy"],
		"base_urls": {"gogo": "https://gogo.mirror.test/"},
		"dirlist_url": "https://files.test/anime/",
		"crunchy": {"client_id": "cid", "locale": "de-DE"},
		"proxy": {"url": "http://127.0.0.1:7890"},
		"cors_proxy": "https://cors.test/?url={url}",
		"request_delay_ms": 250,
		"timeout_seconds": 0,
		"cache": {"ttl_seconds": 60, "max_entries": 64, "dir": ".cache", "redis_url": "redis://localhost:6379/0"},
		"log": {"level": "debug", "file": "logs/anires.log"},
		"listen": ":9000"
	}`))

	eff, err := LoadEffective(cwd, CLIArgs{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.ConfigPath != filepath.Join(cwd, FileName) {
		t.Fatalf("ConfigPath 不对：%q", eff.ConfigPath)
	}
	if want := []string{"gogo", "dirlist", "crunchy"}; !reflect.DeepEqual(eff.Providers, want) {
		t.Fatalf("期望 providers=%v，实际=%v", want, eff.Providers)
	}
	if eff.BaseURLs["gogo"] != "https://gogo.mirror.test" {
		t.Fatalf("base_urls 应去掉末尾 /：%q", eff.BaseURLs["gogo"])
	}
	if eff.DirlistURL != "https://files.test/anime" || eff.CrunchyClientID != "cid" || eff.CrunchyLocale != "de-DE" {
		t.Fatalf("provider 参数不对：%+v", eff)
	}
	if eff.CORSProxy != "https://cors.test/?url={url}" {
		t.Fatalf("cors_proxy 应原样保留：%q", eff.CORSProxy)
	}
	if eff.RequestDelay != 250*time.Millisecond {
		t.Fatalf("期望 250ms，实际=%v", eff.RequestDelay)
	}
	if eff.Timeout != 0 {
		t.Fatalf("显式 timeout_seconds=0 表示不限，实际=%v", eff.Timeout)
	}
	if eff.CacheTTL != time.Minute || eff.CacheMaxEntries != 64 {
		t.Fatalf("缓存参数不对：%v / %d", eff.CacheTTL, eff.CacheMaxEntries)
	}
	if eff.CacheDir != filepath.Join(cwd, ".cache") || eff.LogFile != filepath.Join(cwd, "logs", "anires.log") {
		t.Fatalf("相对路径应以 cwd 为基准：%q / %q", eff.CacheDir, eff.LogFile)
	}
	if eff.LogLevel != zerolog.DebugLevel || eff.Listen != ":9000" {
		t.Fatalf("log/listen 不对：%v / %q", eff.LogLevel, eff.Listen)
	}
}

func TestLoadEffective_CLIOverrides(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, FileName), []byte(`{"providers":["gogo"],"timeout_seconds":10,"log":{"level":"warn"},"listen":":1","cache":{"dir":"c"}}`))

	eff, err := LoadEffective(cwd, CLIArgs{
		Providers:         []string{"consumet", "hianime"},
		ProvidersSet:      true,
		TimeoutSeconds:    0,
		TimeoutSecondsSet: true, // --timeout=0
		LogLevel:          "error",
		LogLevelSet:       true,
		Listen:            ":2",
		ListenSet:         true,
		NoCache:           true,
	})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if want := []string{"consumet", "hianime"}; !reflect.DeepEqual(eff.Providers, want) {
		t.Fatalf("期望 providers=%v，实际=%v", want, eff.Providers)
	}
	if eff.Timeout != 0 || eff.LogLevel != zerolog.ErrorLevel || eff.Listen != ":2" {
		t.Fatalf("CLI 覆盖未生效：%v / %v / %q", eff.Timeout, eff.LogLevel, eff.Listen)
	}
	if eff.CacheTTL != 0 || eff.CacheDir != "" {
		t.Fatalf("--no-cache 应关闭所有缓存层：%v / %q", eff.CacheTTL, eff.CacheDir)
	}
}

func TestLoadEffective_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad json":         `{`,
		"unknown provider": `{"providers":["nope"]}`,
		"dup provider":     `{"providers":["gogo","GOGO"]}`,
		"dirlist no url":   `{"providers":["dirlist"]}`,
		"crunchy no id":    `{"providers":["crunchy"]}`,
		"base url key":     `{"base_urls":{"nope":"https://x.test"}}`,
		"base url scheme":  `{"base_urls":{"gogo":"ftp://x.test"}}`,
		"proxy url":        `{"proxy":{"url":"http://[::1"}}`,
		"cors proxy":       `{"cors_proxy":"not a url"}`,
		"negative delay":   `{"request_delay_ms":-1}`,
		"negative timeout": `{"timeout_seconds":-5}`,
		"redis scheme":     `{"cache":{"redis_url":"http://localhost:6379"}}`,
		"log level":        `{"log":{"level":"loud"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			cwd := t.TempDir()
			writeFile(t, filepath.Join(cwd, FileName), []byte(body))

			_, err := LoadEffective(cwd, CLIArgs{})
			if Code(err) != ErrCodeInvalid {
				t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeInvalid, err, Code(err))
			}
		})
	}
}

func TestLoadEffective_ExplicitConfigRelativeToCwd(t *testing.T) {
	cwd := t.TempDir()
	if err := os.MkdirAll(filepath.Join(cwd, "etc"), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	writeFile(t, filepath.Join(cwd, "etc", "custom.json"), []byte(`{"consumet_site":"zoro"}`))

	eff, err := LoadEffective(cwd, CLIArgs{ConfigPath: "etc/custom.json"})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.ConsumetSite != "zoro" {
		t.Fatalf("期望 consumet_site=zoro，实际=%q", eff.ConsumetSite)
	}
}

func writeFile(t *testing.T, path string, b []byte) {
	t.Helper()
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("写入文件失败 %q：%v", path, err)
	}
}
