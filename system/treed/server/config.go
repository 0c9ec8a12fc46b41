package server

import (
	"log/slog"

	"github.com/signadot/livetree/system/treed/storage"
)

// Spec holds the runtime specification for the server.
// Config contains the serializable settings loaded from a file.
type Spec struct {
	Config *Config
	// Storage is the tree served.  Nil means a fresh store, loaded from
	// the mirror when Config.DataDir is set.
	Storage *storage.Store
	Log     *slog.Logger
}
