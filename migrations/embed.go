// Package migrations embeds the schema and seed SQL into the binary.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sql/*.sql
var sqlFS embed.FS

//go:embed seeds/*.sql
var seedsFS embed.FS

// Schema returns the migration files at the root of the returned FS.
func Schema() fs.FS {
	sub, err := fs.Sub(sqlFS, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

// Seeds returns the seed files at the root of the returned FS.
func Seeds() fs.FS {
	sub, err := fs.Sub(seedsFS, "seeds")
	if err != nil {
		panic(err)
	}
	return sub
}
