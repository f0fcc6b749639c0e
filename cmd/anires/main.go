package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/John-Robertt/anires/internal/api"
	"github.com/John-Robertt/anires/internal/app"
	"github.com/John-Robertt/anires/internal/catalog"
	"github.com/John-Robertt/anires/internal/config"
	"github.com/John-Robertt/anires/internal/domain"
	"github.com/John-Robertt/anires/internal/resolve"
)

func main() {
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		os.Exit(1)
	}
	progressW, interactive := pickProgressWriter()
	e := env{
		cwd:    cwd,
		stdout: os.Stdout,
		stderr: os.Stderr,
		tty:    isTTY(os.Stdout),
		color:  isTTY(os.Stderr),
	}
	if interactive {
		e.progress = progressW
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], e)
	stop()
	if code != 0 {
		os.Exit(code)
	}
}

// env 是一次 CLI 调用的外部环境；测试里替换为内存 writer。
type env struct {
	cwd    string
	stdout io.Writer
	stderr io.Writer
	// tty 表示 stdout 是交互终端：此时输出人类可读摘要，否则 stdout 只输出一个 JSON。
	tty   bool
	color bool
	// progress 非 nil 时显示解析进度。
	progress io.Writer
}

// 退出码：0 成功，1 解析失败或运行错误，2 参数错误。
func run(ctx context.Context, args []string, e env) int {
	if len(args) == 0 || isHelp(args[0]) {
		printUsage(e.stdout)
		return 0
	}

	cmd := args[0]
	if _, ok := commandFlags[cmd]; !ok {
		fmt.Fprintf(e.stderr, "未知命令：%q\n\n", cmd)
		printUsage(e.stderr)
		return 2
	}
	for _, a := range args[1:] {
		if isHelp(a) {
			printUsage(e.stdout)
			return 0
		}
	}

	ca, err := parseArgs(cmd, args[1:])
	if err != nil {
		fmt.Fprintf(e.stderr, "参数错误：%v\n\n", err)
		printUsage(e.stderr)
		return 2
	}

	eff, err := config.LoadEffective(e.cwd, ca.Config)
	if err != nil {
		emitResolution(e, ca, resolutionForConfigError(ca.input(), err))
		return 1
	}

	log, logCloser, err := newLogger(eff, e.stderr, e.color)
	if err != nil {
		fmt.Fprintf(e.stderr, "初始化日志失败：%v\n", err)
		return 1
	}
	defer logCloser.Close()

	var ui *progressUI
	opts := app.Options{Log: &log}
	// serve 模式下多个解析并发进行，逐行进度没有意义。
	if e.progress != nil && cmd != "serve" && !ca.JSON {
		ui = newProgressUI(e.progress)
		ui.printConfig(eff)
		opts.Observer = ui
	}

	a, err := app.New(eff, opts)
	if err != nil {
		fmt.Fprintf(e.stderr, "初始化失败：%v\n", err)
		return 1
	}
	defer a.Close()

	switch cmd {
	case "resolve":
		res := a.Engine.ResolveByTitle(ctx, ca.input(), resolve.TitleOptions{
			SeasonHint: ca.Season,
			Episode:    ca.Episode,
			Server:     ca.Server,
			Audio:      ca.Audio,
		})
		emitResolution(e, ca, res)
		return exitCode(res.Failure)
	case "id":
		res := a.Engine.ResolveByCatalogID(ctx, ca.input(), ca.Provider)
		emitResolution(e, ca, res)
		return exitCode(res.Failure)
	case "stream":
		out := a.Engine.EpisodeStream(ctx, ca.input(), resolve.StreamOptions{
			Provider: ca.Provider,
			Server:   ca.Server,
			Audio:    ca.Audio,
		})
		emitStream(e, ca, out)
		return exitCode(out.Failure)
	case "home":
		return homeCmd(ctx, e, ca, a.Catalog)
	case "serve":
		return serveCmd(ctx, e, a, &log)
	}
	return 0
}

func homeCmd(ctx context.Context, e env, ca cliArgs, c *catalog.Catalog) int {
	if len(ca.Positional) == 2 {
		provider, kind := ca.Positional[0], ca.Positional[1]
		items, err := c.Listing(ctx, provider, kind)
		if err != nil {
			fmt.Fprintf(e.stderr, "%v\n", err)
			return 1
		}
		sec := catalog.Section{Provider: provider, Kind: kind, Items: items}
		if e.tty && !ca.JSON {
			printSection(e.stdout, sec)
			return 0
		}
		writeJSON(e.stdout, sec)
		return 0
	}

	home := c.Home(ctx)
	if e.tty && !ca.JSON {
		for _, sec := range home.Sections {
			printSection(e.stdout, sec)
		}
		if len(home.Sections) == 0 {
			fmt.Fprintln(e.stdout, "首页为空（没有 provider 返回列表）")
		}
		return 0
	}
	writeJSON(e.stdout, home)
	fmt.Fprintf(e.stderr, "完成：sections=%d\n", len(home.Sections))
	return 0
}

func serveCmd(ctx context.Context, e env, a *app.App, log *zerolog.Logger) int {
	h := &api.Handler{Resolver: a.Engine, Catalog: a.Catalog, Log: log}
	srv := api.NewServer(a.Config.Listen, h.Router())

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			fmt.Fprintf(e.stderr, "HTTP 服务启动失败：%v\n", err)
			return 1
		}
		return 0
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(e.stderr, "HTTP 服务关闭失败：%v\n", err)
		return 1
	}
	return 0
}

type cliArgs struct {
	Cmd        string
	Positional []string
	Config     config.CLIArgs

	Season   int
	Episode  int
	Provider string
	Server   string
	Audio    string
	// JSON 强制 stdout 输出 JSON（即使 stdout 是终端）。
	JSON bool
}

// input 是命令的主参数：标题可以不加引号，多个词按空格拼接。
func (ca cliArgs) input() string {
	return strings.Join(ca.Positional, " ")
}

var commonFlags = []string{"config", "providers", "log-level", "timeout", "no-cache", "json"}

// commandFlags 是每个命令额外接受的参数。
var commandFlags = map[string][]string{
	"resolve": {"season", "episode", "server", "audio"},
	"id":      {"provider"},
	"stream":  {"provider", "server", "audio"},
	"home":    {},
	"serve":   {"listen"},
}

var boolFlags = map[string]bool{"no-cache": true, "json": true}

func parseArgs(cmd string, args []string) (cliArgs, error) {
	ca := cliArgs{Cmd: cmd}
	allowed := map[string]bool{}
	for _, f := range commonFlags {
		allowed[f] = true
	}
	for _, f := range commandFlags[cmd] {
		allowed[f] = true
	}

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--":
			ca.Positional = append(ca.Positional, args[i+1:]...)
			i = len(args)
		case strings.HasPrefix(a, "--"):
			name, val, hasVal := strings.Cut(strings.TrimPrefix(a, "--"), "=")
			if !allowed[name] {
				return cliArgs{}, fmt.Errorf("未知参数 %q", a)
			}
			if !boolFlags[name] && !hasVal {
				if i+1 >= len(args) {
					return cliArgs{}, fmt.Errorf("--%s 需要一个值", name)
				}
				i++
				val = args[i]
			}
			if err := ca.set(name, val, hasVal); err != nil {
				return cliArgs{}, err
			}
		case strings.HasPrefix(a, "-") && a != "-":
			return cliArgs{}, fmt.Errorf("未知参数 %q", a)
		default:
			ca.Positional = append(ca.Positional, a)
		}
	}

	switch cmd {
	case "resolve":
		if strings.TrimSpace(ca.input()) == "" {
			return cliArgs{}, fmt.Errorf("resolve 需要番剧标题")
		}
	case "id", "stream":
		if len(ca.Positional) != 1 {
			return cliArgs{}, fmt.Errorf("%s 需要且只需要一个 ID，实际是 %d 个", cmd, len(ca.Positional))
		}
	case "home":
		if n := len(ca.Positional); n != 0 && n != 2 {
			return cliArgs{}, fmt.Errorf("home 只接受 0 个或 2 个参数（provider kind），实际是 %d 个", n)
		}
	case "serve":
		if len(ca.Positional) != 0 {
			return cliArgs{}, fmt.Errorf("serve 不接受位置参数：%q", ca.Positional[0])
		}
	}
	return ca, nil
}

func (ca *cliArgs) set(name, val string, hasVal bool) error {
	switch name {
	case "config":
		if strings.TrimSpace(val) == "" {
			return fmt.Errorf("--config 不能为空")
		}
		ca.Config.ConfigPath = val
	case "providers":
		ps := splitList(val)
		if len(ps) == 0 {
			return fmt.Errorf("--providers 不能为空")
		}
		ca.Config.Providers = ps
		ca.Config.ProvidersSet = true
	case "log-level":
		ca.Config.LogLevel = val
		ca.Config.LogLevelSet = true
	case "timeout":
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			return fmt.Errorf("--timeout 必须是非负整数（秒），实际是 %q", val)
		}
		ca.Config.TimeoutSeconds = n
		ca.Config.TimeoutSecondsSet = true
	case "listen":
		ca.Config.Listen = val
		ca.Config.ListenSet = true
	case "no-cache":
		b, err := boolValue(name, val, hasVal)
		if err != nil {
			return err
		}
		ca.Config.NoCache = b
	case "json":
		b, err := boolValue(name, val, hasVal)
		if err != nil {
			return err
		}
		ca.JSON = b
	case "season", "episode":
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			return fmt.Errorf("--%s 必须是非负整数，实际是 %q", name, val)
		}
		if name == "season" {
			ca.Season = n
		} else {
			ca.Episode = n
		}
	case "provider":
		ca.Provider = strings.ToLower(strings.TrimSpace(val))
	case "server":
		ca.Server = val
	case "audio":
		switch v := strings.ToLower(strings.TrimSpace(val)); v {
		case domain.AudioSub, domain.AudioDub:
			ca.Audio = v
		default:
			return fmt.Errorf("--audio 只能是 sub 或 dub，实际是 %q", val)
		}
	}
	return nil
}

func boolValue(name, val string, hasVal bool) (bool, error) {
	if !hasVal {
		return true, nil
	}
	switch val {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("--%s 只能是 true 或 false，实际是 %q", name, val)
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `用法：
  anires resolve <标题> [--season N] [--episode N] [--server 名称] [--audio sub|dub]
  anires id <条目ID> [--provider 名称]
  anires stream <剧集ID> [--provider 名称] [--server 名称] [--audio sub|dub]
  anires home [<provider> <trending|recent|popular>]
  anires serve [--listen 地址]

命令：
  resolve  按标题搜索、匹配并取指定集（默认第 1 集）的播放来源
  id       按已知条目 ID 取详情与剧集列表
  stream   按剧集 ID 取播放来源
  home     聚合各 provider 的首页列表
  serve    启动 JSON HTTP 服务

通用参数：
  --config 路径      配置文件（默认读取当前目录的 anires.json，不存在则用默认值）
  --providers a,b    provider 优先级顺序，覆盖配置文件
  --log-level 级别   debug|info|warn|error
  --timeout 秒       单次解析超时；0 表示不限
  --no-cache         关闭所有缓存层
  --json             stdout 总是输出 JSON（默认仅在非终端时输出 JSON）
  -h, --help         显示帮助
`)
}

func emitResolution(e env, ca cliArgs, res domain.Resolution) {
	if e.tty && !ca.JSON {
		printResolution(e.stdout, e.stderr, res)
		return
	}
	// stdout 非 TTY：stdout 只输出一个 JSON，摘要走 stderr。
	writeJSON(e.stdout, res)
	fmt.Fprintln(e.stderr, summarizeResolution(res))
}

func emitStream(e env, ca cliArgs, out domain.StreamResult) {
	if e.tty && !ca.JSON {
		if out.Failure != nil {
			fmt.Fprintf(e.stderr, "失败 %s: %s\n", out.Failure.Code, out.Failure.Message)
			return
		}
		fmt.Fprintf(e.stdout, "provider: %s\n", out.Provider)
		printBundle(e.stdout, out.Bundle)
		return
	}
	writeJSON(e.stdout, out)
	if out.Failure != nil {
		fmt.Fprintf(e.stderr, "失败：%s %s\n", out.Failure.Code, out.Failure.Message)
		return
	}
	fmt.Fprintf(e.stderr, "完成：provider=%s sources=%d\n", out.Provider, len(out.Bundle.Sources))
}

func summarizeResolution(res domain.Resolution) string {
	if res.Failure != nil {
		s := fmt.Sprintf("失败：%s@%s %s", res.Failure.Code, res.Failure.Stage, res.Failure.Message)
		if chain := formatAttemptChain(res.Attempts, 6); chain != "" {
			s += " attempts=" + chain
		}
		return s
	}
	s := "完成：provider=" + res.Provider
	if res.Series != nil {
		s += fmt.Sprintf(" series=%q episodes=%d", res.Series.Title, len(res.Series.Episodes))
	}
	if res.Bundle != nil {
		s += fmt.Sprintf(" sources=%d", len(res.Bundle.Sources))
	}
	return s
}

func printResolution(stdout, stderr io.Writer, res domain.Resolution) {
	if res.Failure != nil {
		fmt.Fprintln(stderr, summarizeResolution(res))
		return
	}
	fmt.Fprintf(stdout, "provider: %s\n", res.Provider)
	if res.Series != nil {
		fmt.Fprintf(stdout, "series: %s (%s) %d 集\n", res.Series.Title, res.Series.ExternalID, len(res.Series.Episodes))
	}
	if res.Match != nil {
		fmt.Fprintf(stdout, "match: %s score=%.0f\n", res.Match.Title, res.Score)
	}
	if res.Episode != nil {
		fmt.Fprintf(stdout, "episode: %d (%s)\n", res.Episode.Number, res.Episode.ExternalID)
	}
	if res.Bundle != nil {
		printBundle(stdout, *res.Bundle)
	}
}

func printBundle(w io.Writer, b domain.StreamingBundle) {
	for i, s := range b.Sources {
		mark := " "
		if i == b.Recommended {
			mark = "*"
		}
		fmt.Fprintf(w, "%s [%s] %s %s\n", mark, s.Kind, s.Quality, s.URL)
	}
	for _, sub := range b.Subtitles {
		fmt.Fprintf(w, "  subtitle %s %s\n", sub.Language, sub.URL)
	}
	if b.Headers != nil {
		fmt.Fprintf(w, "  referer: %s\n", b.Headers.Referer)
	}
}

func printSection(w io.Writer, sec catalog.Section) {
	fmt.Fprintf(w, "%s/%s (%d)\n", sec.Provider, sec.Kind, len(sec.Items))
	for _, it := range sec.Items {
		fmt.Fprintf(w, "  %s  %s\n", it.ExternalID, it.Title)
	}
}

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}

func exitCode(f *domain.Failure) int {
	if f == nil {
		return 0
	}
	return 1
}

// resolutionForConfigError 把配置错误包装成一个失败的 Resolution，保证 stdout 的 JSON 契约不变。
func resolutionForConfigError(input string, err error) domain.Resolution {
	now := time.Now()
	res := domain.Resolution{
		Query:      input,
		StartedAt:  now,
		FinishedAt: now,
		Failure: &domain.Failure{
			Stage:   domain.StageIdle,
			Code:    config.Code(err),
			Message: err.Error(),
		},
	}
	res.Finalize()
	return res
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func pickProgressWriter() (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	if isTTY(os.Stderr) {
		return os.Stderr, true
	}
	if isTTY(os.Stdout) {
		return os.Stdout, true
	}
	return nil, false
}
