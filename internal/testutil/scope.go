package testutil

import (
	"github.com/google/uuid"

	"github.com/roach88/rlog/internal/scope"
)

// DefaultInstance is the server instance used when none is given.
var DefaultInstance = uuid.MustParse("00000000-0000-7000-8000-000000000001")

// FixedScopeGenerator returns the same failure scope every time.
//
// Scopes from scope.NewServerScope carry a fresh UUIDv7, so records and
// golden files written with them differ between runs. This generator pins
// the instance so the same scenario writes byte-identical log files.
//
// Thread-safety: FixedScopeGenerator is immutable and safe for concurrent use.
type FixedScopeGenerator struct {
	scope scope.ServerScope
}

// NewFixedScopeGenerator creates a generator for server. An empty instance
// selects DefaultInstance.
func NewFixedScopeGenerator(server, instance string) (*FixedScopeGenerator, error) {
	id := DefaultInstance
	if instance != "" {
		var err error
		if id, err = uuid.Parse(instance); err != nil {
			return nil, err
		}
	}
	return &FixedScopeGenerator{scope: scope.ServerScope{Server: server, Instance: id}}, nil
}

// Generate returns the fixed scope.
func (g *FixedScopeGenerator) Generate() scope.ServerScope {
	return g.scope
}
