package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/John-Robertt/anires/internal/catalog"
	"github.com/John-Robertt/anires/internal/domain"
	providerx "github.com/John-Robertt/anires/internal/provider"
	"github.com/John-Robertt/anires/internal/resolve"
)

// Resolver 是对外暴露的三个解析入口（由 *resolve.Engine 实现）。
type Resolver interface {
	ResolveByTitle(ctx context.Context, query string, opt resolve.TitleOptions) domain.Resolution
	ResolveByCatalogID(ctx context.Context, id, source string) domain.Resolution
	EpisodeStream(ctx context.Context, episodeID string, opt resolve.StreamOptions) domain.StreamResult
}

// Lister 是首页聚合（由 *catalog.Catalog 实现）。
type Lister interface {
	Home(ctx context.Context) catalog.Home
	Listing(ctx context.Context, provider, kind string) ([]domain.SearchHit, error)
}

// Handler 把解析引擎包装为 JSON HTTP 接口。
//
// 约束：
// - 解析结果无论成败都以完整 JSON 返回（含 failure.stage / failure.code），UI 据此区分“找不到”与“没片源”
// - HTTP 状态码只是粗粒度提示：invalid_input=400，not_found/no_sources=404，canceled=504
// - 请求 ctx 直接传给引擎：客户端断开即取消上游抓取
type Handler struct {
	Resolver Resolver
	Catalog  Lister
	Log      *zerolog.Logger
}

// Router 注册全部路由。
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.logRequests, allowCORS)

	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/resolve", h.Resolve).Methods(http.MethodGet)
	// 部分 provider 的 ID 自带 "/"（如 series/season、dir/file）。
	api.HandleFunc("/series/{id:.+}", h.Series).Methods(http.MethodGet)
	api.HandleFunc("/stream", h.Stream).Methods(http.MethodGet)
	api.HandleFunc("/home", h.Home).Methods(http.MethodGet)
	api.HandleFunc("/home/{provider}/{kind}", h.Listing).Methods(http.MethodGet)
	return r
}

// NewServer 返回带超时设置的 http.Server。
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Resolve: GET /api/resolve?q=&season=&episode=&server=&audio=
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	season, err := intParam(q.Get("season"))
	if err != nil {
		writeJSONError(w, "season 必须是整数", http.StatusBadRequest)
		return
	}
	episode, err := intParam(q.Get("episode"))
	if err != nil {
		writeJSONError(w, "episode 必须是整数", http.StatusBadRequest)
		return
	}
	audio, ok := audioParam(q.Get("audio"))
	if !ok {
		writeJSONError(w, "audio 只能是 sub 或 dub", http.StatusBadRequest)
		return
	}
	res := h.Resolver.ResolveByTitle(r.Context(), q.Get("q"), resolve.TitleOptions{
		SeasonHint: season,
		Episode:    episode,
		Server:     q.Get("server"),
		Audio:      audio,
	})
	writeJSON(w, statusOf(res.Failure), res)
}

// Series: GET /api/series/{id}?provider=
func (h *Handler) Series(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(mux.Vars(r)["id"])
	res := h.Resolver.ResolveByCatalogID(r.Context(), id, r.URL.Query().Get("provider"))
	writeJSON(w, statusOf(res.Failure), res)
}

// Stream: GET /api/stream?id=&provider=&server=&audio=
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	audio, ok := audioParam(q.Get("audio"))
	if !ok {
		writeJSONError(w, "audio 只能是 sub 或 dub", http.StatusBadRequest)
		return
	}
	out := h.Resolver.EpisodeStream(r.Context(), q.Get("id"), resolve.StreamOptions{
		Provider: q.Get("provider"),
		Server:   q.Get("server"),
		Audio:    audio,
	})
	writeJSON(w, statusOf(out.Failure), out)
}

// Home: GET /api/home
func (h *Handler) Home(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Catalog.Home(r.Context()))
}

// Listing: GET /api/home/{provider}/{kind}
func (h *Handler) Listing(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind := vars["kind"]
	switch kind {
	case providerx.ListTrending, providerx.ListRecent, providerx.ListPopular:
	default:
		writeJSONError(w, "未知列表类型："+kind, http.StatusBadRequest)
		return
	}
	items, err := h.Catalog.Listing(r.Context(), vars["provider"], kind)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, catalog.Section{Provider: vars["provider"], Kind: kind, Items: items})
}

func intParam(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func audioParam(s string) (string, bool) {
	switch a := strings.ToLower(strings.TrimSpace(s)); a {
	case "", domain.AudioSub, domain.AudioDub:
		return a, true
	default:
		return "", false
	}
}

func statusOf(f *domain.Failure) int {
	if f == nil {
		return http.StatusOK
	}
	switch f.Code {
	case domain.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case domain.ErrCodeCanceled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusNotFound
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		providerx.Logger(h.Log).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("dur", time.Since(started)).
			Msg("http")
	})
}

// allowCORS 允许浏览器端 UI 直接调用（只读接口）。
func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		next.ServeHTTP(w, r)
	})
}
