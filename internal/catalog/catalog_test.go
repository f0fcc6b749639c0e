package catalog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/anires/internal/domain"
	providerx "github.com/John-Robertt/anires/internal/provider"
)

type plain struct{ name string }

func (p plain) Name() string                                         { return p.name }
func (plain) Search(context.Context, string) []domain.SearchHit      { return nil }
func (plain) Info(context.Context, string) (domain.SeriesInfo, bool) { return domain.SeriesInfo{}, false }
func (plain) Sources(context.Context, string, domain.SourceOptions) domain.RawSources {
	return domain.RawSources{}
}

// lister 的每次 Listing 都先到 barrier 报到，等所有调用都开始后才返回。
type lister struct {
	plain
	lists   map[string][]domain.SearchHit
	barrier *sync.WaitGroup
}

func (l lister) Listing(ctx context.Context, kind string) []domain.SearchHit {
	if l.barrier != nil {
		l.barrier.Done()
		done := make(chan struct{})
		go func() {
			l.barrier.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
			return nil
		}
	}
	return l.lists[kind]
}

func hits(provider string, titles ...string) []domain.SearchHit {
	var out []domain.SearchHit
	for _, t := range titles {
		out = append(out, domain.SearchHit{Provider: provider, ExternalID: t, Title: t})
	}
	return out
}

func TestHome_FansOutAndKeepsOrder(t *testing.T) {
	barrier := &sync.WaitGroup{}
	barrier.Add(4)
	a := lister{plain: plain{"a"}, barrier: barrier, lists: map[string][]domain.SearchHit{
		providerx.ListTrending: hits("a", "t1"),
		providerx.ListRecent:   hits("a", "r1", "r2"),
	}}
	b := lister{plain: plain{"b"}, barrier: barrier, lists: map[string][]domain.SearchHit{
		providerx.ListTrending: hits("b", "t2"),
	}}
	reg, err := providerx.NewRegistry(plain{"x"}, a, b)
	require.NoError(t, err)

	c := New(reg, nil)
	c.Kinds = []string{providerx.ListTrending, providerx.ListRecent}
	home := c.Home(context.Background())

	require.Len(t, home.Sections, 3, "空分区被丢弃；不支持列表的 provider 不参与")
	assert.Equal(t, "a", home.Sections[0].Provider)
	assert.Equal(t, providerx.ListTrending, home.Sections[0].Kind)
	assert.Equal(t, providerx.ListRecent, home.Sections[1].Kind)
	assert.Len(t, home.Sections[1].Items, 2)
	assert.Equal(t, "b", home.Sections[2].Provider)
}

func TestHome_NoListers(t *testing.T) {
	reg, err := providerx.NewRegistry(plain{"x"})
	require.NoError(t, err)
	home := New(reg, nil).Home(context.Background())
	assert.NotNil(t, home.Sections)
	assert.Empty(t, home.Sections)
}

func TestListing(t *testing.T) {
	a := lister{plain: plain{"a"}, lists: map[string][]domain.SearchHit{providerx.ListPopular: hits("a", "p1")}}
	reg, err := providerx.NewRegistry(plain{"x"}, a)
	require.NoError(t, err)
	c := New(reg, nil)

	got, err := c.Listing(context.Background(), "a", providerx.ListPopular)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = c.Listing(context.Background(), "a", providerx.ListRecent)
	require.NoError(t, err)
	assert.NotNil(t, got)

	_, err = c.Listing(context.Background(), "x", providerx.ListPopular)
	assert.Error(t, err)
	_, err = c.Listing(context.Background(), "nope", providerx.ListPopular)
	assert.Error(t, err)
}
