package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS transfers (
	id TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	flow SMALLINT NOT NULL,

	amount TEXT NOT NULL,
	source_chain TEXT NOT NULL,
	destination_chain TEXT NOT NULL,
	recipient BYTEA NOT NULL,
	source_token BYTEA NOT NULL,
	client_ref TEXT NOT NULL DEFAULT '',

	stage SMALLINT NOT NULL,

	approval_tx_hash BYTEA,
	burn_tx_hash BYTEA,
	message_bytes BYTEA,
	message_hash BYTEA,
	attestation BYTEA,
	receive_tx_hash BYTEA,
	route_tx_hash BYTEA,

	failed_stage SMALLINT,
	error_kind SMALLINT,
	error TEXT,

	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,

	PRIMARY KEY (id, attempt),
	CONSTRAINT attempt_pos CHECK (attempt >= 1),
	CONSTRAINT flow_range CHECK (flow >= 1 AND flow <= 2),
	CONSTRAINT stage_range CHECK (stage >= 0 AND stage <= 11),
	CONSTRAINT recipient_len CHECK (octet_length(recipient) = 20),
	CONSTRAINT source_token_len CHECK (octet_length(source_token) = 20),
	CONSTRAINT approval_tx_hash_len CHECK (approval_tx_hash IS NULL OR octet_length(approval_tx_hash) = 32),
	CONSTRAINT burn_tx_hash_len CHECK (burn_tx_hash IS NULL OR octet_length(burn_tx_hash) = 32),
	CONSTRAINT message_hash_len CHECK (message_hash IS NULL OR octet_length(message_hash) = 32),
	CONSTRAINT receive_tx_hash_len CHECK (receive_tx_hash IS NULL OR octet_length(receive_tx_hash) = 32),
	CONSTRAINT route_tx_hash_len CHECK (route_tx_hash IS NULL OR octet_length(route_tx_hash) = 32),
	CONSTRAINT attested_has_signature CHECK (stage NOT IN (7, 8) OR octet_length(attestation) > 0)
);

CREATE INDEX IF NOT EXISTS transfers_stage_idx ON transfers (stage);
CREATE INDEX IF NOT EXISTS transfers_burn_tx_idx ON transfers (burn_tx_hash) WHERE burn_tx_hash IS NOT NULL;
`
