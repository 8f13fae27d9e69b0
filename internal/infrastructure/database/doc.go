// Package database provides SQLite connectivity for Marchog Core.
//
// It owns the connection (WAL mode, busy timeout, single writer) and the
// embedded up/down migrations that create the session store, the scene
// activation flag and the activation history.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
