// Package migrations embeds the relay's SQL schema files into the binary.
//
// Files are named NNNN_description.sql and applied in number order. They are
// forward-only: a change to the journal schema ships as a new file.
package migrations

import "embed"

// FS holds every schema file at its root.
//
//go:embed *.sql
var FS embed.FS
