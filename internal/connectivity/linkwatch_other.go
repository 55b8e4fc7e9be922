//go:build !linux

package connectivity

import "context"

// WatchLinks is a no-op outside Linux; the periodic probe covers changes.
func (m *Monitor) WatchLinks(ctx context.Context) {}
