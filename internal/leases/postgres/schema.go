package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS transfer_leases (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
