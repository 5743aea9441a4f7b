package repository

// initSchema creates the tables the core touches. Only used for SQLite
// (development and tests); the production Postgres schema is managed by the
// surrounding system's migrations.
func (r *Repository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS contas (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		nome TEXT NOT NULL DEFAULT '',
		conta_meta_trader TEXT NOT NULL DEFAULT '',
		chave_do_token TEXT NOT NULL DEFAULT '',
		token_consumido INTEGER NOT NULL DEFAULT 0,
		atualizado_em TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS robos_usuarios (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		id_user INTEGER NOT NULL,
		id_robo INTEGER NOT NULL,
		id_conta INTEGER,
		ligado INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (id_conta) REFERENCES contas(id)
	);

	CREATE INDEX IF NOT EXISTS idx_robos_usuarios_robo ON robos_usuarios(id_robo, ligado);

	CREATE TABLE IF NOT EXISTS requisicoes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tipo TEXT NOT NULL,
		id_robo INTEGER NOT NULL,
		quantidade TEXT NOT NULL,
		preco TEXT,
		symbol TEXT,
		id_tipo_ordem INTEGER,
		criado_em TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS ordens (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		id_conta INTEGER NOT NULL,
		id_robo_user INTEGER NOT NULL,
		id_user INTEGER NOT NULL,
		tipo TEXT NOT NULL,
		symbol TEXT,
		preco TEXT,
		quantidade TEXT NOT NULL,
		numero_unico TEXT NOT NULL,
		criado_em TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (id_conta) REFERENCES contas(id)
	);

	CREATE INDEX IF NOT EXISTS idx_ordens_conta ON ordens(id_conta);

	CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		nivel TEXT NOT NULL,
		mensagem TEXT NOT NULL,
		contexto TEXT,
		criado_em TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := r.db.Exec(schema)
	return err
}
