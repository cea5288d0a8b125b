// Package model holds the interfaces shared by the background workers of a
// Sniffy instance.
package model

import "GoSniffy/pkg/stats"

// Source is a named store of stats that can be snapshotted and reset.
// *stats.Stats implements it.
type Source interface {
	Name() string
	Export() stats.SnapshotData
	Reset()
}

// Notifier delivers an alert summary. body is HTML.
type Notifier interface {
	Send(subject, body string) error
}
