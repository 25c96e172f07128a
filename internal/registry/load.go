package registry

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads and validates the TOML bus registry at path.
func Load(path string) (*Registry, error) {
	var file File
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("decode bus registry: %w", err)
	}
	return FromFile(file)
}

// EnsureLoaded checks the path before loading so callers get a clear
// error instead of a decode failure on a directory.
func EnsureLoaded(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("empty registry path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("registry path %s is a directory", path)
	}
	return Load(path)
}
