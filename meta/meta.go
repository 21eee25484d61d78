// Package meta persists the small amount of state recovery needs besides
// what the buckets and value log already carry on disk: the value log's
// head/tail offsets, checkpointed as TOML the way the rest of the ambient
// stack already uses it for structured, human-readable config
// (config.Config.Save/Load). The engine configuration is not part of the
// checkpoint.
package meta

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const fileName = "meta.toml"

// Checkpoint is the full contents of meta.toml.
type Checkpoint struct {
	Head uint64 `toml:"head"`
	Tail uint64 `toml:"tail"`
}

// Path returns the checkpoint file path under dir.
func Path(dir string) string {
	return filepath.Join(dir, fileName)
}

// Write atomically publishes cp to dir/meta.toml: encode to a temp file,
// fsync, then rename over any previous checkpoint, so a crash mid-write
// never leaves a torn manifest behind for recovery to trip over.
func Write(dir string, cp Checkpoint) error {
	path := Path(dir)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("meta: create %s: %w", tmp, err)
	}

	if err := toml.NewEncoder(f).Encode(cp); err != nil {
		f.Close()
		return fmt.Errorf("meta: encode %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("meta: fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("meta: close %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("meta: publish %s: %w", path, err)
	}
	return nil
}

// Read loads dir/meta.toml. A missing file is not an error — it means the
// engine has never written a checkpoint there — and returns the zero
// Checkpoint.
func Read(dir string) (Checkpoint, error) {
	path := Path(dir)

	var cp Checkpoint
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cp, nil
	}

	if _, err := toml.DecodeFile(path, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("meta: decode %s: %w", path, err)
	}
	return cp, nil
}
