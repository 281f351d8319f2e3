package database

import "context"

// InitSchema applies the embedded schema. Every statement in it is
// idempotent, so this runs on each startup; the stories table is only
// checked to log whether the database was fresh.
func (db *DB) InitSchema(ctx context.Context, schemaSQL []byte) error {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM pg_tables WHERE schemaname = 'public' AND tablename = 'stories')`,
	).Scan(&exists)
	if err != nil {
		return err
	}

	if !exists {
		db.log.Info().Msg("fresh database detected, applying schema")
	}
	if _, err := db.Pool.Exec(ctx, string(schemaSQL)); err != nil {
		return err
	}
	db.log.Debug().Bool("fresh", !exists).Msg("schema applied")
	return nil
}
