package crunchy

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
	"github.com/John-Robertt/anires/internal/normalize"
	providerx "github.com/John-Robertt/anires/internal/provider"
)

type platform struct {
	*httptest.Server
	mu      sync.Mutex
	tokens  int
	streams []string
}

func (pf *platform) stats() (tokens int, streams []string) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.tokens, append([]string(nil), pf.streams...)
}

func newPlatform(t *testing.T) *platform {
	t.Helper()
	files := map[string][]byte{}
	for _, n := range []string{"search.json", "seasons.json", "season.json", "episodes.json", "object.json", "streams.json"} {
		b, err := os.ReadFile(filepath.Join("testdata", n))
		require.NoError(t, err)
		files[n] = b
	}
	pf := &platform{}
	pf.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/v1/token" {
			user, pass, ok := r.BasicAuth()
			if r.Method != http.MethodPost || !ok || user != "cid" || pass != "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			pf.mu.Lock()
			pf.tokens++
			pf.mu.Unlock()
			_, _ = w.Write([]byte(`{"access_token":"tok-1","expires_in":300,"token_type":"Bearer"}`))
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok-1" || r.URL.Query().Get("locale") != "en-US" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/content/v2/discover/search":
			_, _ = w.Write(files["search.json"])
		case "/content/v2/cms/series/GG5H5XQX4/seasons":
			_, _ = w.Write(files["seasons.json"])
		case "/content/v2/cms/seasons/GRVDQ1G4M":
			_, _ = w.Write(files["season.json"])
		case "/content/v2/cms/seasons/GRVDQ1G4M/episodes":
			_, _ = w.Write(files["episodes.json"])
		case "/content/v2/cms/objects/GJWU2VKK3":
			_, _ = w.Write(files["object.json"])
		case "/content/v2/cms/videos/GJWU2VKK3/streams", "/content/v2/cms/videos/GENDUB001/streams":
			pf.mu.Lock()
			pf.streams = append(pf.streams, r.URL.Path)
			pf.mu.Unlock()
			_, _ = w.Write(bytes.ReplaceAll(files["streams.json"], []byte("GUID"), []byte(filepath.Base(filepath.Dir(r.URL.Path)))))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(pf.Close)
	return pf
}

func newProvider(pf *platform) *Provider {
	return New(&providerx.Fetcher{Client: pf.Client()}, pf.URL, "cid", "", "", nil)
}

func TestSearch_ExpandsSeasons(t *testing.T) {
	pf := newPlatform(t)
	got := newProvider(pf).Search(context.Background(), "frieren")

	require.Len(t, got, 2, "配音副本季度不单独列出；非 series 分组被忽略")
	assert.Equal(t, "GG5H5XQX4/GRVDQ1G4M", got[0].ExternalID, "季度按季号排序")
	assert.Equal(t, "Frieren: Beyond Journey's End", got[0].Title)
	assert.Equal(t, "Frieren: Beyond Journey's End Season 2", got[1].Title)
	assert.Equal(t, "https://img.test/p-480.jpg", got[0].Thumbnail)
}

func TestAccessToken_CachedUntilExpiry(t *testing.T) {
	pf := newPlatform(t)
	p := newProvider(pf)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	p.Search(context.Background(), "frieren")
	p.Search(context.Background(), "frieren")
	tokens, _ := pf.stats()
	assert.Equal(t, 1, tokens)

	now = now.Add(5 * time.Minute)
	p.Search(context.Background(), "frieren")
	tokens, _ = pf.stats()
	assert.Equal(t, 2, tokens, "过期（含余量）后重新申请")
}

func TestAccessToken_RequiresClientID(t *testing.T) {
	pf := newPlatform(t)
	p := New(&providerx.Fetcher{Client: pf.Client()}, pf.URL, "", "", "", nil)
	assert.Nil(t, p.Search(context.Background(), "frieren"))
	tokens, _ := pf.stats()
	assert.Zero(t, tokens)
}

func TestInfo_SeasonEpisodes(t *testing.T) {
	pf := newPlatform(t)
	info, ok := newProvider(pf).Info(context.Background(), "GG5H5XQX4/GRVDQ1G4M")
	require.True(t, ok)

	assert.Equal(t, "Frieren: Beyond Journey's End", info.Title)
	assert.Equal(t, "The demon king is dead.", info.Description)
	require.Len(t, info.Episodes, 2, "无集号的特别篇被跳过")
	assert.Equal(t, "GJWU2VKK3", info.Episodes[0].ExternalID)
	assert.Equal(t, "https://img.test/e1.jpg", info.Episodes[0].Thumbnail)
}

func TestInfo_SeriesIDPicksFirstSeason(t *testing.T) {
	pf := newPlatform(t)
	info, ok := newProvider(pf).Info(context.Background(), "GG5H5XQX4")
	require.True(t, ok)
	assert.Equal(t, "GG5H5XQX4/GRVDQ1G4M", info.ExternalID)
	assert.Len(t, info.Episodes, 2)
}

func TestSources_DropsDRMAndHardsubs(t *testing.T) {
	pf := newPlatform(t)
	raw := newProvider(pf).Sources(context.Background(), "GJWU2VKK3", domain.SourceOptions{})

	require.Len(t, raw.Sources, 2)
	assert.Equal(t, "adaptive_hls", raw.Sources[0].Server)
	assert.False(t, raw.Sources[0].DRM)
	assert.True(t, raw.Sources[1].DRM)
	require.Len(t, raw.Subtitles, 2)
	assert.Equal(t, "en-US", raw.Subtitles[0].Language)

	b := normalize.Bundle(raw)
	require.Len(t, b.Sources, 1, "DRM 流在归一阶段被丢弃")
	assert.Equal(t, "https://cr.test/hls/GJWU2VKK3/master.m3u8", b.Sources[0].URL)
	assert.True(t, b.Sources[0].IsSegmentedPlaylist)
}

func TestSources_DubUsesVersionGUID(t *testing.T) {
	pf := newPlatform(t)
	raw := newProvider(pf).Sources(context.Background(), "GJWU2VKK3", domain.SourceOptions{Audio: domain.AudioDub})

	require.NotEmpty(t, raw.Sources)
	assert.Equal(t, "https://cr.test/hls/GENDUB001/master.m3u8", raw.Sources[0].URL)
	_, streams := pf.stats()
	assert.Equal(t, []string{"/content/v2/cms/videos/GENDUB001/streams"}, streams)
}

func TestSplitID(t *testing.T) {
	s, se := splitID(" GG5H5XQX4/GRVDQ1G4M ")
	assert.Equal(t, "GG5H5XQX4", s)
	assert.Equal(t, "GRVDQ1G4M", se)
	s, se = splitID("GG5H5XQX4")
	assert.Equal(t, "GG5H5XQX4", s)
	assert.Empty(t, se)
}
