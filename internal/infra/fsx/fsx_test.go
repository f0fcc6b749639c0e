package fsx

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

func TestWriteFileAtomicReplace_SuccessAndNoTempLeft(t *testing.T) {
	fs := afero.NewMemMapFs()
	dir := filepath.Join("/cache", "http", "ab")

	if err := WriteFileAtomicReplace(fs, dir, "a.json", []byte("hello")); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if err := WriteFileAtomicReplace(fs, dir, "a.json", []byte("world")); err != nil {
		t.Fatalf("覆盖写入不期望错误：%v", err)
	}

	b, err := afero.ReadFile(fs, filepath.Join(dir, "a.json"))
	if err != nil {
		t.Fatalf("读取文件失败：%v", err)
	}
	if string(b) != "world" {
		t.Fatalf("内容不一致：%q", string(b))
	}

	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		t.Fatalf("ReadDir 失败：%v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".a.json.tmp-") {
			t.Fatalf("临时文件未清理：%q", e.Name())
		}
	}
}

type renameFailFs struct {
	afero.Fs
}

func (renameFailFs) Rename(oldname, newname string) error { return os.ErrPermission }

func TestWriteFileAtomicReplace_RenameFail_CleanupTemp(t *testing.T) {
	fs := renameFailFs{Fs: afero.NewMemMapFs()}
	dir := "/cache"

	err := WriteFileAtomicReplace(fs, dir, "a.json", []byte("hello"))
	if !errors.Is(err, os.ErrPermission) {
		t.Fatalf("期望 ErrPermission，实际：%v", err)
	}

	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		t.Fatalf("ReadDir 失败：%v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("失败后不应残留文件：%d 个", len(entries))
	}
}

func TestWriteFileAtomicReplace_DirConflict(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := fs.MkdirAll("/cache/a.json", 0o755); err != nil {
		t.Fatalf("准备目录失败：%v", err)
	}
	err := WriteFileAtomicReplace(fs, "/cache", "a.json", []byte("x"))
	if !IsPathTypeConflict(err) {
		t.Fatalf("期望 PathTypeConflictError，实际：%v", err)
	}
}
