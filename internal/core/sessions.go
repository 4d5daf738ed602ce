package core

import (
	"context"
	"io"
	"os"
	"time"

	"deployer/internal/registry"
)

// ListSessionsMode prints the sessions in the invoking user's
// namespace, live and stale.
type ListSessionsMode struct {
	Lister  *registry.Lister
	User    string
	Verbose bool
	Stdout  io.Writer
}

// Run probes every socket and renders the table.
func (m *ListSessionsMode) Run(ctx context.Context) error {
	entries, err := m.Lister.List(ctx, m.User)
	if err != nil {
		return err
	}
	out := m.Stdout
	if out == nil {
		out = os.Stdout
	}
	return registry.Render(out, entries, time.Now(), m.Verbose)
}
