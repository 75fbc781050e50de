package state

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/carharvest/internal/fsutil"
)

//go:embed state.schema.json
var schemaJSON []byte

const schemaURL = "state.schema.json"

// FileStore keeps one JSON state document on disk.
type FileStore struct {
	path   string
	fresh  func() State
	schema *jsonschema.Schema
	logger *zap.Logger
}

// NewFileStore builds a store for source under dir. fresh supplies the
// state returned when nothing usable is on disk.
func NewFileStore(dir, source string, fresh func() State, logger *zap.Logger) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if strings.TrimSpace(source) == "" {
		return nil, errors.New("source is required")
	}
	if fresh == nil {
		fresh = func() State { return State{} }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add state schema: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile state schema: %w", err)
	}
	return &FileStore{
		path:   filepath.Join(dir, fmt.Sprintf("carharvest.%s.state.json", source)),
		fresh:  fresh,
		schema: schema,
		logger: logger,
	}, nil
}

// Path returns the state file location.
func (f *FileStore) Path() string {
	return f.path
}

// Load returns the persisted state, or a fresh one when the file is
// missing, unreadable or does not match the schema. It never fails.
func (f *FileStore) Load() State {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.logger.Warn("state unreadable, starting fresh", zap.String("path", f.path), zap.Error(err))
		}
		return f.fresh()
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		f.logger.Warn("state corrupt, starting fresh", zap.String("path", f.path), zap.Error(err))
		return f.fresh()
	}
	if err := f.schema.Validate(doc); err != nil {
		f.logger.Warn("state does not match schema, starting fresh", zap.String("path", f.path), zap.Error(err))
		return f.fresh()
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		f.logger.Warn("state decode failed, starting fresh", zap.String("path", f.path), zap.Error(err))
		return f.fresh()
	}
	return st
}

// Save replaces the state file atomically.
func (f *FileStore) Save(st State) error {
	if st.Shards == nil {
		st.Shards = []Shard{}
	}
	data, err := json.MarshalIndent(st, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := fsutil.WriteFileAtomic(f.path, bytes.NewReader(data), 0o600); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// Reset deletes the state file so the next Load starts fresh.
func (f *FileStore) Reset() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove state: %w", err)
	}
	return nil
}
