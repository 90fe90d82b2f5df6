// Package database opens the SQLite file that backs the relay's Cloud Link
// journal and keeps its schema current.
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Schema files are forward-only and numbered (0001_link_events.sql). The last
// applied number is kept in SQLite's user_version pragma.
package database
