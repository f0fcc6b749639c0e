package fsx

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// PathTypeConflictError 表示目标路径类型冲突（例如期望文件但实际是目录）。
type PathTypeConflictError struct {
	Path string
	Want string
	Got  string
}

func (e *PathTypeConflictError) Error() string {
	return fmt.Sprintf("目标路径类型冲突：%q（期望 %s，实际 %s）", e.Path, e.Want, e.Got)
}

func IsPathTypeConflict(err error) bool {
	var e *PathTypeConflictError
	return errors.As(err, &e)
}

// WriteFileAtomicReplace 在 dir 下原子写入 name（同目录临时文件 + rename），覆盖同名文件。
//
// 约束：
// - 临时文件必须与目标同目录，以保证 rename 的原子性
// - 目标若是目录，返回 *PathTypeConflictError，不做任何写入
// - 失败时临时文件必须被清理
func WriteFileAtomicReplace(fs afero.Fs, dir, name string, data []byte) error {
	if fs == nil {
		return errors.New("fs 不能为空")
	}
	dir = filepath.Clean(dir)
	dst := filepath.Join(dir, name)
	if fi, err := fs.Stat(dst); err == nil && fi.IsDir() {
		return &PathTypeConflictError{Path: dst, Want: "file", Got: "dir"}
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}

	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	// 前缀带 '.'，避免并发读者把半成品当成缓存条目。
	tmp, err := afero.TempFile(fs, dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	renamed := false
	defer func() {
		_ = tmp.Close()
		if !renamed {
			_ = fs.Remove(tmpName)
		}
	}()

	if err := writeAll(tmp, data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := fs.Rename(tmpName, dst); err != nil {
		return err
	}
	renamed = true
	return nil
}

func writeAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
