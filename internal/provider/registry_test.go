package provider

import (
	"context"
	"testing"

	"github.com/John-Robertt/anires/internal/domain"
)

type stubProvider struct{ name string }

func (p stubProvider) Name() string { return p.name }

func (stubProvider) Search(context.Context, string) []domain.SearchHit { return nil }

func (stubProvider) Info(context.Context, string) (domain.SeriesInfo, bool) {
	return domain.SeriesInfo{}, false
}

func (stubProvider) Sources(context.Context, string, domain.SourceOptions) domain.RawSources {
	return domain.RawSources{}
}

type stubLister struct{ stubProvider }

func (stubLister) Listing(context.Context, string) []domain.SearchHit { return nil }

func TestRegistry_OrderAndLookup(t *testing.T) {
	reg, err := NewRegistry(stubProvider{"HiAnime"}, stubLister{stubProvider{"consumet"}}, stubProvider{"gogo"})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	names := reg.Names()
	want := []string{"hianime", "consumet", "gogo"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("顺序不符合预期：%v", names)
		}
	}
	if _, ok := reg.Get(" HIANIME "); !ok {
		t.Fatalf("Get 应忽略大小写与空白")
	}
	if _, ok := reg.Get("nope"); ok {
		t.Fatalf("未注册的 provider 不应命中")
	}
	if l := reg.Listers(); len(l) != 1 || l[0].Name() != "consumet" {
		t.Fatalf("Listers 不符合预期：%d", len(l))
	}

	// Ordered 返回副本，修改不影响注册表。
	o := reg.Ordered()
	o[0] = nil
	if reg.Ordered()[0] == nil {
		t.Fatalf("Ordered 应返回副本")
	}
}

func TestRegistry_Rejects(t *testing.T) {
	if _, err := NewRegistry(stubProvider{"a"}, stubProvider{"A"}); err == nil {
		t.Fatalf("重复 name 应报错")
	}
	if _, err := NewRegistry(stubProvider{" "}); err == nil {
		t.Fatalf("空 name 应报错")
	}
	if _, err := NewRegistry(nil); err == nil {
		t.Fatalf("nil provider 应报错")
	}
}
