// Package migrations embeds the goose SQL migrations for the backend store
// (server/) and the client cache database (client/).
package migrations

import "embed"

// FS holds every migration file.
//
//go:embed server/*.sql client/*.sql
var FS embed.FS

// Migration directories inside FS.
const (
	ServerDir = "server"
	ClientDir = "client"
)
