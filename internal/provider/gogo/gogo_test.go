package gogo

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/anires/internal/domain"
	"github.com/John-Robertt/anires/internal/infra/cache"
	providerx "github.com/John-Robertt/anires/internal/provider"
)

type site struct {
	*httptest.Server
	mu     sync.Mutex
	calls  []string
	agents []string

	// noDirect=true 时所有 embed 页都不含直链。
	noDirect bool
}

func (s *site) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == path {
			n++
		}
	}
	return n
}

func newSite(t *testing.T) *site {
	t.Helper()
	files := map[string][]byte{}
	for _, name := range []string{"search.html", "category.html", "episodes.html", "episode.html", "embed_streamwish.html", "embed_empty.html"} {
		b, err := os.ReadFile(filepath.Join("testdata", name))
		require.NoError(t, err)
		files[name] = b
	}
	s := &site{}
	html := func(w http.ResponseWriter, b []byte) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(bytes.ReplaceAll(b, []byte("{{BASE}}"), []byte(s.URL)))
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls = append(s.calls, r.URL.Path)
		s.agents = append(s.agents, r.UserAgent())
		noDirect := s.noDirect
		s.mu.Unlock()

		switch r.URL.Path {
		case "/search.html", "/popular.html":
			html(w, files["search.html"])
		case "/category/sousou-no-frieren":
			html(w, files["category.html"])
		case "/ajax/load-list-episode":
			if r.URL.Query().Get("id") != "13124" || r.URL.Query().Get("ep_end") != "3" {
				http.Error(w, "bad query", http.StatusBadRequest)
				return
			}
			html(w, files["episodes.html"])
		case "/sousou-no-frieren-episode-1":
			html(w, files["episode.html"])
		case "/embed/streamwish":
			if noDirect {
				html(w, files["embed_empty.html"])
				return
			}
			html(w, files["embed_streamwish.html"])
		case "/embed/vidstreaming", "/embed/dood":
			html(w, files["embed_empty.html"])
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func newProvider(s *site, c cache.Cache) *Provider {
	p := New(&providerx.Fetcher{Client: s.Client(), Cache: c}, s.URL, nil)
	p.AjaxURL = s.URL
	return p
}

func TestSearch_CollectsCards(t *testing.T) {
	s := newSite(t)
	got := newProvider(s, nil).Search(context.Background(), "frieren")

	require.Len(t, got, 2, "剧集链接还原为条目 slug 后应去重")
	assert.Equal(t, "sousou-no-frieren", got[0].ExternalID)
	assert.Equal(t, s.URL+"/category/sousou-no-frieren", got[0].URL)
	assert.Equal(t, "https://img.test/frieren.png", got[0].Thumbnail)
	assert.Equal(t, "Sousou no Frieren (Dub)", got[1].Title)
	s.mu.Lock()
	ua := s.agents[0]
	s.mu.Unlock()
	assert.NotContains(t, ua, "colly", "UA 应取自 UA 池")
}

func TestInfo_CategoryThenAjaxList(t *testing.T) {
	s := newSite(t)
	info, ok := newProvider(s, nil).Info(context.Background(), "https://anitaku.test/category/sousou-no-frieren")
	require.True(t, ok)

	assert.Equal(t, "Sousou no Frieren", info.Title)
	assert.Equal(t, "The adventure is over but life goes on for an elf mage.", info.Description)
	assert.Equal(t, []string{"Adventure", "Drama", "Fantasy"}, info.Genres)
	assert.Equal(t, "Completed", info.Status)
	require.Len(t, info.Episodes, 3)
	assert.Equal(t, 1, info.Episodes[0].Number)
	assert.Equal(t, "sousou-no-frieren-episode-1", info.Episodes[0].ExternalID)
	assert.Equal(t, 3, info.EpisodeCount)
}

func TestInfo_MissingCategory(t *testing.T) {
	s := newSite(t)
	_, ok := newProvider(s, nil).Info(context.Background(), "nope")
	assert.False(t, ok)
}

func TestSources_TriesEmbedsUntilDirectLink(t *testing.T) {
	s := newSite(t)
	raw := newProvider(s, nil).Sources(context.Background(), "sousou-no-frieren-episode-1", domain.SourceOptions{})

	require.Len(t, raw.Sources, 1)
	assert.Equal(t, "https://cdn.test/frieren/ep1/master.m3u8?t=9", raw.Sources[0].URL)
	assert.Equal(t, "streamwish", raw.Sources[0].Server)
	assert.Equal(t, s.URL+"/", raw.Headers.Referer)
	assert.Equal(t, 1, s.count("/embed/vidstreaming"))
	assert.Equal(t, 0, s.count("/embed/dood"), "拿到直链后不再探测后续 server")
}

func TestSources_HintFirstThenSiteOrder(t *testing.T) {
	s := newSite(t)
	raw := newProvider(s, nil).Sources(context.Background(), "sousou-no-frieren-episode-1", domain.SourceOptions{Server: "DoodStream"})

	require.Len(t, raw.Sources, 1)
	assert.Equal(t, "streamwish", raw.Sources[0].Server)
	assert.Equal(t, 1, s.count("/embed/dood"))
	assert.Equal(t, 1, s.count("/embed/vidstreaming"))
}

func TestSources_FallsBackToEmbeds(t *testing.T) {
	s := newSite(t)
	s.mu.Lock()
	s.noDirect = true
	s.mu.Unlock()
	raw := newProvider(s, nil).Sources(context.Background(), "sousou-no-frieren-episode-1", domain.SourceOptions{})

	require.Len(t, raw.Sources, 3)
	for _, src := range raw.Sources {
		assert.Equal(t, domain.ContainerEmbed, src.Container)
	}
	assert.Equal(t, s.URL+"/embed/vidstreaming?id=MTIz", raw.Sources[0].URL)
	assert.Equal(t, "anime", raw.Sources[0].Server)
}

func TestCachedPagesStillParse(t *testing.T) {
	s := newSite(t)
	c, err := cache.NewMemory(time.Minute, 16)
	require.NoError(t, err)
	p := newProvider(s, c)

	first := p.Search(context.Background(), "frieren")
	second := p.Search(context.Background(), "frieren")
	assert.Equal(t, first, second)
	assert.Equal(t, 1, s.count("/search.html"), "第二次应命中缓存")
}

func TestListing(t *testing.T) {
	s := newSite(t)
	p := newProvider(s, nil)
	assert.Len(t, p.Listing(context.Background(), providerx.ListPopular), 2)
	assert.Nil(t, p.Listing(context.Background(), "nope"))
}

func TestSeriesSlug(t *testing.T) {
	assert.Equal(t, "one-piece", seriesSlug("/one-piece-episode-1071"))
	assert.Equal(t, "one-piece", seriesSlug("https://x.test/category/one-piece"))
	assert.Equal(t, "kaguya-sama-2", seriesSlug("/category/kaguya-sama-2"))
	assert.Equal(t, "naruto", seriesSlug("/naruto-episode-7-5"))
}
