package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS deployments (
	id UUID PRIMARY KEY,
	contract_name TEXT NOT NULL DEFAULT '',
	contract_address TEXT NOT NULL,
	network TEXT NOT NULL,
	code_id TEXT NOT NULL,
	user_address TEXT NOT NULL,
	tx_hash TEXT NOT NULL DEFAULT '',
	date TEXT NOT NULL DEFAULT '',
	contract_type TEXT NOT NULL DEFAULT '',
	external_abi TEXT NOT NULL DEFAULT '',
	hidden BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS deployments_user_network_idx ON deployments (user_address, network, created_at);
`
