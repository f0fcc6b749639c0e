package consumet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/anires/internal/domain"
	providerx "github.com/John-Robertt/anires/internal/provider"
)

type api struct {
	*httptest.Server
	mu      sync.Mutex
	watched []string
	pages   []string
}

func (a *api) snapshot() (watched, pages []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.watched...), append([]string(nil), a.pages...)
}

// newAPI 模拟 /anime/gogoanime/...；dead 中的 server 返回空 sources。
func newAPI(t *testing.T, dead ...string) *api {
	t.Helper()
	load := func(name string) []byte {
		b, err := os.ReadFile(filepath.Join("testdata", name))
		require.NoError(t, err)
		return b
	}
	files := map[string][]byte{}
	for _, n := range []string{"search1.json", "search2.json", "info.json", "servers.json", "watch.json", "top-airing.json"} {
		files[n] = load(n)
	}
	isDead := map[string]bool{}
	for _, d := range dead {
		isDead[d] = true
	}

	a := &api{}
	mux := http.NewServeMux()
	mux.HandleFunc("/anime/gogoanime/info/sousou-no-frieren", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(files["info.json"])
	})
	mux.HandleFunc("/anime/gogoanime/servers/sousou-no-frieren-episode-1", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(files["servers.json"])
	})
	mux.HandleFunc("/anime/gogoanime/watch/sousou-no-frieren-episode-1", func(w http.ResponseWriter, r *http.Request) {
		srv := r.URL.Query().Get("server")
		a.mu.Lock()
		a.watched = append(a.watched, srv)
		a.mu.Unlock()
		if isDead[srv] {
			_, _ = w.Write([]byte(`{"sources":[]}`))
			return
		}
		_, _ = w.Write(files["watch.json"])
	})
	mux.HandleFunc("/anime/gogoanime/top-airing", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(files["top-airing.json"])
	})
	mux.HandleFunc("/anime/gogoanime/frieren", func(w http.ResponseWriter, r *http.Request) {
		pg := r.URL.Query().Get("page")
		a.mu.Lock()
		a.pages = append(a.pages, pg)
		a.mu.Unlock()
		_, _ = w.Write(files["search"+pg+".json"])
	})
	a.Server = httptest.NewServer(mux)
	t.Cleanup(a.Close)
	return a
}

func newProvider(a *api) *Provider {
	return New(&providerx.Fetcher{Client: a.Client()}, a.URL, "", nil)
}

func TestSearch_TwoPagesDeduped(t *testing.T) {
	a := newAPI(t)
	got := newProvider(a).Search(context.Background(), "frieren")

	require.Len(t, got, 3)
	assert.Equal(t, "sousou-no-frieren", got[0].ExternalID)
	assert.Equal(t, "https://gogo.test/category/sousou-no-frieren", got[0].URL)
	assert.Equal(t, "Sousou no Frieren 2nd Season", got[2].Title, "对象形态的 title 取第一个非空语种")
	assert.Equal(t, a.URL+"/anime/gogoanime/info/sousou-no-frieren-2nd-season", got[2].URL)
	_, pages := a.snapshot()
	assert.Equal(t, []string{"1", "2"}, pages, "hasNextPage 仍为 true 也只翻两页")
}

func TestInfo_InlineEpisodes(t *testing.T) {
	a := newAPI(t)
	info, ok := newProvider(a).Info(context.Background(), "sousou-no-frieren")
	require.True(t, ok)

	assert.Equal(t, "An elf mage outlives her party.", info.Description)
	assert.Equal(t, []string{"Adventure", "Fantasy"}, info.Genres)
	assert.Equal(t, 28, info.EpisodeCount)
	require.Len(t, info.Episodes, 2)
	assert.Equal(t, "sousou-no-frieren-episode-1", info.Episodes[0].ExternalID)
}

func TestInfo_NotFound(t *testing.T) {
	a := newAPI(t)
	_, ok := newProvider(a).Info(context.Background(), "nothing-here")
	assert.False(t, ok)
}

func TestSources_ServerLoop(t *testing.T) {
	a := newAPI(t, "vidstreaming")
	raw := newProvider(a).Sources(context.Background(), "sousou-no-frieren-episode-1", domain.SourceOptions{})

	require.Len(t, raw.Sources, 3)
	assert.Equal(t, domain.ContainerHLS, raw.Sources[0].Container)
	assert.Equal(t, "gogo server", raw.Sources[0].Server)
	assert.Equal(t, "https://embed.test/gogo?id=1", raw.Headers.Referer)
	watched, _ := a.snapshot()
	assert.Equal(t, []string{"vidstreaming", "gogo server"}, watched)
}

func TestSources_Hint(t *testing.T) {
	a := newAPI(t)
	raw := newProvider(a).Sources(context.Background(), "sousou-no-frieren-episode-1", domain.SourceOptions{Server: "StreamWish"})
	require.NotEmpty(t, raw.Sources)
	watched, _ := a.snapshot()
	assert.Equal(t, []string{"streamwish"}, watched)
}

func TestListing(t *testing.T) {
	a := newAPI(t)
	p := newProvider(a)
	got := p.Listing(context.Background(), providerx.ListTrending)
	require.Len(t, got, 1)
	assert.Equal(t, "One Piece", got[0].Title)
	assert.Empty(t, p.Listing(context.Background(), providerx.ListPopular), "404 视为空列表")
	assert.Nil(t, p.Listing(context.Background(), "bogus"))
}

func TestTitleUnmarshal(t *testing.T) {
	var r result
	require.NoError(t, json.Unmarshal([]byte(`{"id":"x","title":{"english":"","romaji":"Romaji Name"}}`), &r))
	assert.Equal(t, title("Romaji Name"), r.Title)
	require.NoError(t, json.Unmarshal([]byte(`{"id":"x","title":"Plain"}`), &r))
	assert.Equal(t, title("Plain"), r.Title)
}
