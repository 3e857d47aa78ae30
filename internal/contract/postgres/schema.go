package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS contracts (
	code_id BYTEA PRIMARY KEY,
	wasm BYTEA NOT NULL,
	metadata JSONB NOT NULL,
	features TEXT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT contracts_code_id_len CHECK (octet_length(code_id) = 32),
	CONSTRAINT contracts_wasm_nonempty CHECK (octet_length(wasm) > 0)
);
`
