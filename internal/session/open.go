package session

import (
	"fmt"

	"github.com/meow-stack/recipe-engine/internal/config"
)

// Open returns the store selected by cfg, rooted at baseDir.
func Open(cfg *config.Config, baseDir string) (Store, error) {
	switch cfg.Session.Backend {
	case config.SessionBackendSQLite:
		return NewSQLiteStore(cfg.SQLitePath(baseDir))
	case config.SessionBackendYAML, "":
		return NewYAMLStore(cfg.SessionsDir(baseDir))
	default:
		return nil, fmt.Errorf("unknown session backend: %s", cfg.Session.Backend)
	}
}
