package store

// schemaStatements returns the DDL for the given dialect. Statements are
// idempotent so Migrate can run at every startup.
func schemaStatements(d Dialect) []string {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	boolType := "INTEGER"
	timeType := "TIMESTAMP"
	if d == DialectPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
		boolType = "BOOLEAN"
		timeType = "TIMESTAMPTZ"
	}

	return []string{
		`CREATE TABLE IF NOT EXISTS endpoints (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			name_lower    TEXT NOT NULL UNIQUE,
			display_name  TEXT NOT NULL DEFAULT '',
			description   TEXT NOT NULL DEFAULT '',
			active        ` + boolType + ` NOT NULL,
			config        TEXT NOT NULL DEFAULT '{}',
			created_at    ` + timeType + ` NOT NULL,
			updated_at    ` + timeType + ` NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS users (
			endpoint_id        TEXT NOT NULL,
			id                 TEXT NOT NULL,
			payload            TEXT NOT NULL,
			user_name          TEXT NOT NULL,
			user_name_lower    TEXT NOT NULL,
			external_id        TEXT,
			external_id_lower  TEXT,
			display_name       TEXT NOT NULL DEFAULT '',
			active             ` + boolType + ` NOT NULL,
			version            INTEGER NOT NULL,
			created_at         ` + timeType + ` NOT NULL,
			modified_at        ` + timeType + ` NOT NULL,
			PRIMARY KEY (endpoint_id, id),
			UNIQUE (endpoint_id, user_name_lower)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS users_external_id_uq
			ON users (endpoint_id, external_id_lower)
			WHERE external_id_lower IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS groups (
			endpoint_id         TEXT NOT NULL,
			id                  TEXT NOT NULL,
			payload             TEXT NOT NULL,
			display_name        TEXT NOT NULL,
			display_name_lower  TEXT NOT NULL,
			external_id         TEXT,
			external_id_lower   TEXT,
			version             INTEGER NOT NULL,
			created_at          ` + timeType + ` NOT NULL,
			modified_at         ` + timeType + ` NOT NULL,
			PRIMARY KEY (endpoint_id, id),
			UNIQUE (endpoint_id, display_name_lower)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS groups_external_id_uq
			ON groups (endpoint_id, external_id_lower)
			WHERE external_id_lower IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS group_members (
			endpoint_id  TEXT NOT NULL,
			group_id     TEXT NOT NULL,
			user_id      TEXT NOT NULL,
			display      TEXT NOT NULL DEFAULT '',
			member_type  TEXT NOT NULL DEFAULT 'User',
			PRIMARY KEY (endpoint_id, group_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS group_members_user_idx
			ON group_members (endpoint_id, user_id)`,

		`CREATE TABLE IF NOT EXISTS audit_records (
			id               ` + serial + `,
			endpoint_id      TEXT,
			method           TEXT NOT NULL,
			path             TEXT NOT NULL,
			status           INTEGER NOT NULL,
			duration_ms      INTEGER NOT NULL,
			identifier       TEXT NOT NULL DEFAULT '',
			request_headers  TEXT NOT NULL DEFAULT '',
			request_body     TEXT NOT NULL DEFAULT '',
			response_body    TEXT NOT NULL DEFAULT '',
			error_message    TEXT NOT NULL DEFAULT '',
			created_at       ` + timeType + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS audit_records_endpoint_idx
			ON audit_records (endpoint_id, created_at)`,
	}
}
