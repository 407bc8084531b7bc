// Package migrations holds the schema, applied by "encounter-server migrate up".
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
