// Package store persists the bot configuration record, the compile history
// and periodic performance snapshots.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	pkgerrors "github.com/pkg/errors"
	"github.com/xyths/ganymede/config"
)

var ErrNotFound = errors.New("no saved config")

// ConfigStore keeps the last applied bot config.
type ConfigStore interface {
	Load(ctx context.Context) (config.Record, error)
	Save(ctx context.Context, rec config.Record) error
}

// FileStore keeps the record as a JSON file.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (s *FileStore) Load(ctx context.Context) (config.Record, error) {
	var rec config.Record
	f, err := os.Open(s.Path)
	if os.IsNotExist(err) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, pkgerrors.Wrapf(err, "open %s", s.Path)
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&rec); err != nil {
		return rec, pkgerrors.Wrapf(err, "decode %s", s.Path)
	}
	return rec, nil
}

// Save replaces the file atomically. The record may hold exchange keys, so
// the file is private to the user.
func (s *FileStore) Save(ctx context.Context, rec config.Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return pkgerrors.Wrapf(err, "create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.Path)+".*")
	if err != nil {
		return pkgerrors.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return pkgerrors.Wrap(err, "write config")
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.Path)
}
