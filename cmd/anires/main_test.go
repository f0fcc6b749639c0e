package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/John-Robertt/anires/internal/catalog"
	"github.com/John-Robertt/anires/internal/config"
	"github.com/John-Robertt/anires/internal/domain"
)

func TestParseArgs(t *testing.T) {
	ca, err := parseArgs("resolve", []string{"Frieren", "Season", "2", "--episode=3", "--audio", "DUB", "--providers", "gogo, consumet", "--timeout=0", "--no-cache"})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if ca.input() != "Frieren Season 2" {
		t.Fatalf("标题应按空格拼接，实际=%q", ca.input())
	}
	if ca.Episode != 3 || ca.Audio != domain.AudioDub {
		t.Fatalf("episode/audio 不对：%d / %q", ca.Episode, ca.Audio)
	}
	if want := []string{"gogo", "consumet"}; !reflect.DeepEqual(ca.Config.Providers, want) || !ca.Config.ProvidersSet {
		t.Fatalf("providers 不对：%v", ca.Config.Providers)
	}
	if !ca.Config.TimeoutSecondsSet || ca.Config.TimeoutSeconds != 0 || !ca.Config.NoCache {
		t.Fatalf("timeout/no-cache 不对：%+v", ca.Config)
	}

	ca, err = parseArgs("stream", []string{"--", "--weird-id"})
	if err != nil || ca.input() != "--weird-id" {
		t.Fatalf("-- 之后应视为位置参数：%v / %q", err, ca.input())
	}
}

func TestParseArgs_Invalid(t *testing.T) {
	cases := []struct {
		cmd  string
		args []string
	}{
		{"resolve", nil},
		{"resolve", []string{"x", "--provider", "gogo"}},
		{"resolve", []string{"x", "--season"}},
		{"resolve", []string{"x", "--season", "two"}},
		{"resolve", []string{"x", "--episode=-1"}},
		{"resolve", []string{"x", "--audio", "raw"}},
		{"resolve", []string{"x", "--json=yes"}},
		{"resolve", []string{"x", "-v"}},
		{"id", nil},
		{"id", []string{"a", "b"}},
		{"stream", []string{"ep", "--timeout=-3"}},
		{"home", []string{"gogo"}},
		{"serve", []string{"x"}},
		{"serve", []string{"--providers="}},
	}
	for _, c := range cases {
		if _, err := parseArgs(c.cmd, c.args); err == nil {
			t.Fatalf("期望错误：%s %v", c.cmd, c.args)
		}
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"play"}, env{cwd: t.TempDir(), stdout: &stdout, stderr: &stderr})
	if code != 2 {
		t.Fatalf("期望退出码 2，实际=%d", code)
	}
	if !strings.Contains(stderr.String(), "未知命令") {
		t.Fatalf("stderr 缺少提示：%q", stderr.String())
	}
}

func TestRun_ConfigErrorStillEmitsJSON(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"resolve", "Frieren", "--config", "missing.json"}, env{cwd: t.TempDir(), stdout: &stdout, stderr: &stderr})
	if code != 1 {
		t.Fatalf("期望退出码 1，实际=%d", code)
	}
	var res domain.Resolution
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		t.Fatalf("stdout 不是合法的 JSON：%v\nstdout=%q", err, stdout.String())
	}
	if res.Failure == nil || res.Failure.Code != config.ErrCodeNotFound {
		t.Fatalf("期望 %q 失败，实际=%+v", config.ErrCodeNotFound, res.Failure)
	}
}

// 锁定对外契约：stdout 非 TTY 时只输出一个 JSON，摘要走 stderr。
func TestRun_NoTTY_StdoutOnlyJSON(t *testing.T) {
	srv := fakeConsumet(t)
	cwd := t.TempDir()
	writeConfig(t, cwd, srv.URL)

	var stdout, stderr bytes.Buffer
	e := env{cwd: cwd, stdout: &stdout, stderr: &stderr}

	code := run(context.Background(), []string{"resolve", "Frieren"}, e)
	if code != 0 {
		t.Fatalf("期望退出码 0，实际=%d\nstderr=%s", code, stderr.String())
	}
	var res domain.Resolution
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		t.Fatalf("stdout 不是合法的 Resolution JSON：%v\nstdout=%q", err, stdout.String())
	}
	pick, ok := res.Bundle.Pick()
	if !res.OK() || !ok || pick.URL != "https://cdn.test/f/master.m3u8" {
		t.Fatalf("解析结果不对：%+v", res)
	}
	if strings.Contains(stdout.String(), "配置（生效）") {
		t.Fatalf("stdout 不应包含进度/配置输出：%q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "完成：provider=consumet") {
		t.Fatalf("stderr 缺少完成摘要：%q", stderr.String())
	}

	stdout.Reset()
	stderr.Reset()
	code = run(context.Background(), []string{"resolve", "Frieren", "--episode", "7"}, e)
	if code != 1 {
		t.Fatalf("期望退出码 1，实际=%d", code)
	}
	res = domain.Resolution{}
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		t.Fatalf("stdout 不是合法的 JSON：%v", err)
	}
	if res.Failure == nil || res.Failure.Code != domain.ErrCodeNoSources {
		t.Fatalf("期望 no_sources，实际=%+v", res.Failure)
	}
	if !strings.Contains(stderr.String(), "失败：no_sources") {
		t.Fatalf("stderr 缺少失败摘要：%q", stderr.String())
	}
}

func TestRun_Home(t *testing.T) {
	srv := fakeConsumet(t)
	cwd := t.TempDir()
	writeConfig(t, cwd, srv.URL)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"home", "consumet", "trending"}, env{cwd: cwd, stdout: &stdout, stderr: &stderr})
	if code != 0 {
		t.Fatalf("期望退出码 0，实际=%d\nstderr=%s", code, stderr.String())
	}
	var sec catalog.Section
	if err := json.Unmarshal(stdout.Bytes(), &sec); err != nil {
		t.Fatalf("stdout 不是合法的 JSON：%v", err)
	}
	if len(sec.Items) != 1 || sec.Items[0].ExternalID != "frieren" {
		t.Fatalf("列表不对：%+v", sec)
	}

	stdout.Reset()
	code = run(context.Background(), []string{"home", "nope", "trending"}, env{cwd: cwd, stdout: &stdout, stderr: &stderr})
	if code != 1 {
		t.Fatalf("未知 provider 期望退出码 1，实际=%d", code)
	}
}

func TestRun_ProgressGoesToProgressWriter(t *testing.T) {
	srv := fakeConsumet(t)
	cwd := t.TempDir()
	writeConfig(t, cwd, srv.URL)

	var stdout, stderr, progress bytes.Buffer
	code := run(context.Background(), []string{"id", "frieren", "--provider", "consumet"}, env{
		cwd: cwd, stdout: &stdout, stderr: &stderr, progress: &progress,
	})
	if code != 0 {
		t.Fatalf("期望退出码 0，实际=%d\nstderr=%s", code, stderr.String())
	}
	out := progress.String()
	for _, want := range []string{"配置（生效）", "providers: consumet", "解析：frieren", "fetching_episodes ok", "完成"} {
		if !strings.Contains(out, want) {
			t.Fatalf("进度输出缺少 %q：%q", want, out)
		}
	}
	if strings.Contains(stdout.String(), "配置（生效）") {
		t.Fatalf("stdout 不应包含进度输出")
	}
}

func fakeConsumet(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/anime/gogoanime/Frieren", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"currentPage":1,"hasNextPage":false,"results":[{"id":"frieren","title":"Frieren"}]}`))
	})
	mux.HandleFunc("/anime/gogoanime/info/frieren", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"frieren","title":"Frieren","episodes":[{"id":"frieren-episode-1","number":1}]}`))
	})
	mux.HandleFunc("/anime/gogoanime/servers/frieren-episode-1", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"name":"Vidstreaming","url":"https://embed.test/v"}]`))
	})
	mux.HandleFunc("/anime/gogoanime/watch/frieren-episode-1", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"sources":[{"url":"https://cdn.test/f/1.mp4","quality":"720p"},{"url":"https://cdn.test/f/master.m3u8","quality":"default","isM3U8":true}]}`))
	})
	mux.HandleFunc("/anime/gogoanime/top-airing", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"currentPage":1,"hasNextPage":false,"results":[{"id":"frieren","title":"Frieren"}]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, cwd, base string) {
	t.Helper()
	b := []byte(`{
		"providers": ["consumet"],
		"base_urls": {"consumet": "` + base + `"},
		"request_delay_ms": 0,
		"log": {"level": "error"}
	}`)
	if err := os.WriteFile(filepath.Join(cwd, config.FileName), b, 0o644); err != nil {
		t.Fatalf("写入配置失败：%v", err)
	}
}
