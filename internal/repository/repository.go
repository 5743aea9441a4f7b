// Package repository is the narrow relational contract the dispatcher and
// watchdog depend on: requests, per-account orders, robot bindings, the
// credential key recorded on each account row, and a structured log sink.
//
// Production runs on Postgres; SQLite is supported for local development and
// tests, in which case the schema is created on open. Queries are written
// with `?` bindvars and rebound per driver.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"robogate/internal/config"
	"robogate/pkg/types"
)

// Repository wraps the relational store behind the operations the core needs.
type Repository struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open connects to the configured database, applies pool settings, and for
// SQLite initializes the schema. The Postgres schema is owned by the
// surrounding system.
func Open(cfg config.DatabaseConfig, logger *slog.Logger) (*Repository, error) {
	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	r := &Repository{
		db:     db,
		logger: logger.With("component", "repository"),
	}

	if cfg.Driver == "sqlite3" {
		if err := r.initSchema(); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}

	return r, nil
}

// Close closes the connection pool.
func (r *Repository) Close() error {
	return r.db.Close()
}

// DB exposes the underlying handle for seeding in tests and tooling.
func (r *Repository) DB() *sqlx.DB {
	return r.db
}

// CreateRequest inserts the request row and returns its id.
func (r *Repository) CreateRequest(ctx context.Context, req types.Request) (int64, error) {
	q := `INSERT INTO requisicoes (tipo, id_robo, quantidade, preco, symbol, id_tipo_ordem)
	      VALUES (?, ?, ?, ?, ?, ?)`
	id, err := r.insertReturningID(ctx, r.db, q,
		string(req.Tipo), req.IDRobo, req.Quantidade, req.Preco, nullString(req.Symbol), req.IDTipoOrdem)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	return id, nil
}

// ListBoundAccounts returns the accounts whose binding to idRobo is active.
// Bindings without an account are excluded.
func (r *Repository) ListBoundAccounts(ctx context.Context, idRobo int64) ([]types.BoundAccount, error) {
	q := r.db.Rebind(`
		SELECT ru.id_conta, c.nome, ru.id_user, ru.id AS id_robo_user
		FROM robos_usuarios ru
		JOIN contas c ON c.id = ru.id_conta
		WHERE ru.id_robo = ? AND ru.ligado = TRUE AND ru.id_conta IS NOT NULL
		ORDER BY ru.id_conta`)

	var accounts []types.BoundAccount
	if err := r.db.SelectContext(ctx, &accounts, q, idRobo); err != nil {
		return nil, fmt.Errorf("list bound accounts: %w", err)
	}
	return accounts, nil
}

// CreateOrdersForRequest creates one order row per bound account inside a
// single transaction and reports the per-account outcome. An account whose
// row has gone missing yields a "falha" outcome without failing the batch;
// the numero_unico of each order is REQ-<requisicaoID>-<conta_meta_trader>.
func (r *Repository) CreateOrdersForRequest(ctx context.Context, requisicaoID int64, req types.Request, accounts []types.BoundAccount) ([]types.OrderOutcome, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	outcomes := make([]types.OrderOutcome, 0, len(accounts))
	for _, acct := range accounts {
		var contaMT string
		err := tx.GetContext(ctx, &contaMT,
			tx.Rebind(`SELECT conta_meta_trader FROM contas WHERE id = ?`), acct.IDConta)
		if errors.Is(err, sql.ErrNoRows) {
			outcomes = append(outcomes, types.OrderOutcome{IDConta: acct.IDConta, Status: types.StatusFalha})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load account %d: %w", acct.IDConta, err)
		}

		numeroUnico := fmt.Sprintf("REQ-%d-%s", requisicaoID, contaMT)
		q := `INSERT INTO ordens (id_conta, id_robo_user, id_user, tipo, symbol, preco, quantidade, numero_unico)
		      VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
		ordemID, err := r.insertReturningID(ctx, tx, q,
			acct.IDConta, acct.IDRoboUser, acct.IDUser, string(req.Tipo),
			nullString(req.Symbol), req.Preco, req.Quantidade, numeroUnico)
		if err != nil {
			return nil, fmt.Errorf("create order for account %d: %w", acct.IDConta, err)
		}

		outcomes = append(outcomes, types.OrderOutcome{
			IDConta: acct.IDConta,
			Status:  types.StatusCriada,
			OrdemID: ordemID,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit orders: %w", err)
	}
	return outcomes, nil
}

// DeleteOrder removes a superseded order row. Deleting an already-deleted
// order is not an error.
func (r *Repository) DeleteOrder(ctx context.Context, ordemID int64) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM ordens WHERE id = ?`), ordemID)
	if err != nil {
		return fmt.Errorf("delete order %d: %w", ordemID, err)
	}
	return nil
}

// AccountTokenKey returns the credential key currently recorded on the
// account row (empty when none).
func (r *Repository) AccountTokenKey(ctx context.Context, idConta int64) (string, error) {
	var key string
	err := r.db.GetContext(ctx, &key,
		r.db.Rebind(`SELECT chave_do_token FROM contas WHERE id = ?`), idConta)
	if err != nil {
		return "", fmt.Errorf("account %d token key: %w", idConta, err)
	}
	return key, nil
}

// SetAccountTokenKey records key as the account's current credential.
// Pass empty to clear.
func (r *Repository) SetAccountTokenKey(ctx context.Context, idConta int64, key string) error {
	_, err := r.db.ExecContext(ctx,
		r.db.Rebind(`UPDATE contas SET chave_do_token = ?, atualizado_em = CURRENT_TIMESTAMP WHERE id = ?`),
		key, idConta)
	if err != nil {
		return fmt.Errorf("set account %d token key: %w", idConta, err)
	}
	return nil
}

// ActiveTokenAccounts returns up to limit accounts whose credential should
// still exist: not flagged consumed, and either carrying a key already or
// bound to at least one active robot. The numero_unico of the account's
// latest order rides along as an upgrade hint.
func (r *Repository) ActiveTokenAccounts(ctx context.Context, limit int) ([]types.ActiveTokenAccount, error) {
	q := r.db.Rebind(`
		SELECT c.id, c.chave_do_token, c.conta_meta_trader,
		       COALESCE((SELECT o.numero_unico FROM ordens o
		                 WHERE o.id_conta = c.id ORDER BY o.id DESC LIMIT 1), '') AS numero_unico
		FROM contas c
		WHERE c.token_consumido = FALSE
		  AND (c.chave_do_token <> '' OR EXISTS (
		        SELECT 1 FROM robos_usuarios ru
		        WHERE ru.id_conta = c.id AND ru.ligado = TRUE))
		ORDER BY c.id
		LIMIT ?`)

	var accounts []types.ActiveTokenAccount
	if err := r.db.SelectContext(ctx, &accounts, q, limit); err != nil {
		return nil, fmt.Errorf("active token accounts: %w", err)
	}
	return accounts, nil
}

// ConsumedTokenAccounts returns up to limit accounts flagged as consumed
// that still carry a stale credential key.
func (r *Repository) ConsumedTokenAccounts(ctx context.Context, limit int) ([]types.ConsumedTokenAccount, error) {
	q := r.db.Rebind(`
		SELECT id, chave_do_token
		FROM contas
		WHERE token_consumido = TRUE AND chave_do_token <> ''
		ORDER BY id
		LIMIT ?`)

	var accounts []types.ConsumedTokenAccount
	if err := r.db.SelectContext(ctx, &accounts, q, limit); err != nil {
		return nil, fmt.Errorf("consumed token accounts: %w", err)
	}
	return accounts, nil
}

// Log persists a structured audit row. Fire-and-forget: failures are
// reported to the process logger and otherwise swallowed.
func (r *Repository) Log(ctx context.Context, level, message string, fields map[string]any) {
	var contexto any
	if len(fields) > 0 {
		b, err := json.Marshal(fields)
		if err == nil {
			contexto = string(b)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		r.db.Rebind(`INSERT INTO logs (nivel, mensagem, contexto) VALUES (?, ?, ?)`),
		level, message, contexto)
	if err != nil {
		r.logger.Warn("audit log insert failed", "error", err, "message", message)
	}
}

// insertReturningID runs an insert and returns the generated id, papering
// over the driver split: Postgres needs RETURNING, SQLite uses LastInsertId.
func (r *Repository) insertReturningID(ctx context.Context, ext sqlx.ExtContext, query string, args ...any) (int64, error) {
	if r.db.DriverName() == "postgres" {
		var id int64
		row := ext.QueryRowxContext(ctx, ext.Rebind(query+" RETURNING id"), args...)
		if err := row.Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}

	res, err := ext.ExecContext(ctx, ext.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// nullString maps "" to NULL for nullable text columns.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
