package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hitoshi/todoshell/internal/model"
)

// FileSessionRepo はローカルファイルにセッションを保存するリポジトリ。
// トークンを含むため、ファイルは所有者のみ読み書き可能（0600）で作成する。
type FileSessionRepo struct {
	path string
}

// NewFileSessionRepo はFileSessionRepoを生成する。
func NewFileSessionRepo(path string) *FileSessionRepo {
	return &FileSessionRepo{path: path}
}

// Load は保存済みのセッションを読み込む。ファイルが存在しない場合はnilを返す。
func (r *FileSessionRepo) Load(ctx context.Context) (*model.Session, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var session model.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session file: %w", err)
	}
	return &session, nil
}

// Save はセッションを一時ファイルに書き込んでからリネームする。
// 書き込み途中でプロセスが終了しても既存のファイルは壊れない。
func (r *FileSessionRepo) Save(ctx context.Context, session *model.Session) error {
	if session == nil {
		return r.Delete(ctx)
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp session file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod session file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close session file: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// Delete はセッションファイルを削除する。
func (r *FileSessionRepo) Delete(ctx context.Context) error {
	err := os.Remove(r.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	return nil
}

// compile-time interface check
var _ SessionPersister = (*FileSessionRepo)(nil)
