// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the service — request kinds,
// accounts, robot bindings, and order rows. It has no dependencies on
// internal packages, so it can be imported by any layer. Column-facing field
// names keep the upstream system's Portuguese (`id_robo`, `conta`,
// `chave_do_token`) so that payloads and rows stay wire-compatible.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// RequestType is the direction/kind of a trading request.
type RequestType string

const (
	Buy       RequestType = "buy"
	Sell      RequestType = "sell"
	BuyLimit  RequestType = "buy_limit"
	SellLimit RequestType = "sell_limit"
	BuyStop   RequestType = "buy_stop"
	SellStop  RequestType = "sell_stop"
)

// Valid reports whether t is one of the known request types.
func (t RequestType) Valid() bool {
	switch t {
	case Buy, Sell, BuyLimit, SellLimit, BuyStop, SellStop:
		return true
	default:
		return false
	}
}

// Per-account outcome statuses reported by the repository and dispatcher.
const (
	StatusCriada         = "criada"          // order row created
	StatusFalha          = "falha"           // order row creation failed
	StatusPublicada      = "publicada"       // payload published under a token
	StatusErroPublicacao = "erro_publicacao" // order created but key publish failed
)

// ————————————————————————————————————————————————————————————————————————
// Entities
// ————————————————————————————————————————————————————————————————————————

// Request is one incoming instruction to fan out an order across all
// accounts bound to a robot. ID is assigned by the repository and becomes
// `requisicao_id` inside published payloads.
type Request struct {
	ID          int64           `db:"id" json:"id"`
	Tipo        RequestType     `db:"tipo" json:"tipo"`
	IDRobo      int64           `db:"id_robo" json:"id_robo"`
	Quantidade  decimal.Decimal `db:"quantidade" json:"quantidade"`
	Preco       decimal.Decimal `db:"preco" json:"preco"`
	Symbol      string          `db:"symbol" json:"symbol,omitempty"`
	IDTipoOrdem *int64          `db:"id_tipo_ordem" json:"id_tipo_ordem,omitempty"`
}

// Account is a downstream trading account. ChaveDoToken holds the full
// namespaced store key (`tok:<opaque>`) of the account's current payload,
// or empty when none is published.
type Account struct {
	ID              int64  `db:"id"`
	Nome            string `db:"nome"`
	ContaMetaTrader string `db:"conta_meta_trader"`
	ChaveDoToken    string `db:"chave_do_token"`
}

// BoundAccount is an account participating in a dispatch: its binding to the
// requested robot is active (`ligado`) and carries a non-null id_conta.
type BoundAccount struct {
	IDConta    int64  `db:"id_conta"`
	Nome       string `db:"nome"`
	IDUser     int64  `db:"id_user"`
	IDRoboUser int64  `db:"id_robo_user"`
}

// Order is the per-account materialization of a request.
type Order struct {
	ID          int64           `db:"id"`
	IDConta     int64           `db:"id_conta"`
	IDRoboUser  int64           `db:"id_robo_user"`
	IDUser      int64           `db:"id_user"`
	Tipo        string          `db:"tipo"`
	Symbol      string          `db:"symbol"`
	Preco       decimal.Decimal `db:"preco"`
	Quantidade  decimal.Decimal `db:"quantidade"`
	NumeroUnico string          `db:"numero_unico"`
	CriadoEm    time.Time       `db:"criado_em"`
}

// OrderOutcome is the per-account result of CreateOrdersForRequest.
type OrderOutcome struct {
	IDConta int64  `json:"id_conta"`
	Status  string `json:"status"`
	OrdemID int64  `json:"ordem_id"`
}

// ActiveTokenAccount is a row from the watchdog's keep-alive scan: an
// account whose stored credential should still exist. NumeroUnico is a hint
// from the account's most recent order, used only to reconstruct
// `requisicao_id` when upgrading legacy payloads.
type ActiveTokenAccount struct {
	ID              int64  `db:"id"`
	ChaveDoToken    string `db:"chave_do_token"`
	ContaMetaTrader string `db:"conta_meta_trader"`
	NumeroUnico     string `db:"numero_unico"`
}

// ConsumedTokenAccount is a row from the watchdog's cleanup scan: an account
// flagged as consumed but still carrying a stale credential.
type ConsumedTokenAccount struct {
	ID           int64  `db:"id"`
	ChaveDoToken string `db:"chave_do_token"`
}
