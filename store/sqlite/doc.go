// Package sqlite implements store.Store on database/sql with the
// mattn/go-sqlite3 driver. Suitable for embedded deployments, CLI tools,
// and single-node installs.
//
// Open a store with a DSN and run migrations before use:
//
//	s, _ := sqlite.New("introq.db")
//	defer s.Close()
//	s.Migrate(ctx)
//
// SQLite has a single writer, so the store caps the connection pool at one
// connection. Atomic claims use UPDATE ... RETURNING instead of the
// SKIP LOCKED idiom the postgres store uses.
package sqlite
