package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/John-Robertt/anires/internal/infra/fsx"
)

// Store 是可选的磁盘缓存层：<root>/http/<hash[:2]>/<hash>.json。
//
// 约束：
// - ReadOnly=true 时只读（Put 静默忽略，WriteEntry 返回 ErrReadOnly）
// - TTL 由读取方判定（文件里记录 fetched_at），过期文件在读取时删除
// - 文件名只由 key 的 sha256 决定，避免路径穿越
type Store struct {
	FS       afero.Fs
	Root     string
	TTL      time.Duration
	ReadOnly bool
	Log      *zerolog.Logger

	now func() time.Time
}

var ErrReadOnly = errors.New("cache: read-only")

func NewStore(fs afero.Fs, root string, ttl time.Duration, readOnly bool) *Store {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		FS:       fs,
		Root:     filepath.Clean(strings.TrimSpace(root)),
		TTL:      ttl,
		ReadOnly: readOnly,
		now:      time.Now,
	}
}

// EntryPath 返回 key 对应的缓存文件路径。
func (s *Store) EntryPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	h := hex.EncodeToString(sum[:])
	return filepath.Join(s.Root, "http", h[:2], h+".json")
}

// ReadEntry 读取并校验一条记录；不存在返回 ok=false。
func (s *Store) ReadEntry(key string) (Entry, bool, error) {
	b, err := afero.ReadFile(s.FS, s.EntryPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, false, err
	}
	// sha256 碰撞几乎不可能，但仍以 key 全等为准。
	if e.Key != key {
		return Entry{}, false, nil
	}
	return e, true, nil
}

// WriteEntry 原子写入一条记录。
func (s *Store) WriteEntry(e Entry) error {
	if s.ReadOnly {
		return ErrReadOnly
	}
	if e.Key == "" {
		return errors.New("key 不能为空")
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	p := s.EntryPath(e.Key)
	return fsx.WriteFileAtomicReplace(s.FS, filepath.Dir(p), filepath.Base(p), b)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	e, ok := s.GetEntry(ctx, key)
	return e.Payload, ok
}

func (s *Store) GetEntry(_ context.Context, key string) (Entry, bool) {
	e, ok, err := s.ReadEntry(key)
	if err != nil {
		logger(s.Log).Debug().Err(err).Str("key", key).Msg("disk cache read failed")
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}
	if e.Expired(s.clock(), s.TTL) {
		if !s.ReadOnly {
			_ = s.FS.Remove(s.EntryPath(key))
		}
		return Entry{}, false
	}
	return e, true
}

func (s *Store) Put(ctx context.Context, key string, payload []byte) {
	s.PutEntry(ctx, Entry{Key: key, Payload: payload, FetchedAt: s.clock()})
}

// PutEntry 原样保留 FetchedAt 写入；已过期的条目不落盘。
func (s *Store) PutEntry(_ context.Context, e Entry) {
	if s.ReadOnly {
		return
	}
	if e.FetchedAt.IsZero() {
		e.FetchedAt = s.clock()
	}
	if e.Expired(s.clock(), s.TTL) {
		return
	}
	if err := s.WriteEntry(e); err != nil {
		logger(s.Log).Debug().Err(err).Str("key", e.Key).Msg("disk cache write failed")
	}
}

func (s *Store) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}
