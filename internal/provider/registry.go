package provider

import (
	"fmt"
	"strings"
)

// Registry 是 provider 的只读注册表：既按 name 索引，也保留注册顺序（即优先级）。
type Registry struct {
	byName map[string]Provider
	order  []Provider
}

func NewRegistry(providers ...Provider) (Registry, error) {
	byName := make(map[string]Provider, len(providers))
	order := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if p == nil {
			return Registry{}, fmt.Errorf("provider 不能为空")
		}
		name := strings.ToLower(strings.TrimSpace(p.Name()))
		if name == "" {
			return Registry{}, fmt.Errorf("provider.Name 不能为空")
		}
		if _, ok := byName[name]; ok {
			return Registry{}, fmt.Errorf("重复的 provider：%q", name)
		}
		byName[name] = p
		order = append(order, p)
	}
	return Registry{byName: byName, order: order}, nil
}

func (r Registry) Get(name string) (Provider, bool) {
	if r.byName == nil {
		return nil, false
	}
	name = strings.ToLower(strings.TrimSpace(name))
	p, ok := r.byName[name]
	return p, ok
}

// Ordered 返回按优先级排列的 provider（副本）。
func (r Registry) Ordered() []Provider {
	out := make([]Provider, len(r.order))
	copy(out, r.order)
	return out
}

// Names 返回按优先级排列的 provider 名。
func (r Registry) Names() []string {
	out := make([]string, 0, len(r.order))
	for _, p := range r.order {
		out = append(out, strings.ToLower(p.Name()))
	}
	return out
}

func (r Registry) Len() int { return len(r.order) }

// Listers 返回支持首页列表的 provider。
func (r Registry) Listers() []Provider {
	var out []Provider
	for _, p := range r.order {
		if _, ok := p.(Lister); ok {
			out = append(out, p)
		}
	}
	return out
}
