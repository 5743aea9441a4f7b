// Package dispatch turns one incoming trading request into per-account side
// effects: the request row, one order row per bound account, and a payload
// publish into the keyed TTL store under each account's credential.
//
// A dispatch is synchronous from the caller's perspective. Accounts are
// independent of each other — one account's publish failure never aborts the
// others — but each account's own steps run strictly in sequence:
// read key → read payload → upgrade → merge → write.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"robogate/internal/payload"
	"robogate/internal/token"
	"robogate/pkg/types"
)

// Outcome codes returned to callers.
const (
	CodeOK            = "OK"
	CodeNoAccounts    = "NO_ACCOUNTS_FOUND"
	CodeValidation    = "VALIDATION"
	CodeInternalError = "INTERNAL_ERROR"
)

// Repository is the slice of the relational contract the dispatcher uses.
type Repository interface {
	CreateRequest(ctx context.Context, req types.Request) (int64, error)
	ListBoundAccounts(ctx context.Context, idRobo int64) ([]types.BoundAccount, error)
	CreateOrdersForRequest(ctx context.Context, requisicaoID int64, req types.Request, accounts []types.BoundAccount) ([]types.OrderOutcome, error)
	DeleteOrder(ctx context.Context, ordemID int64) error
	AccountTokenKey(ctx context.Context, idConta int64) (string, error)
	SetAccountTokenKey(ctx context.Context, idConta int64, key string) error
	Log(ctx context.Context, level, message string, fields map[string]any)
}

// Store is the slice of the TTL-store contract the dispatcher uses.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Notifier receives the final outcome of each dispatch. Implementations must
// not block the dispatcher; delivery is fire-and-forget.
type Notifier interface {
	DispatchCompleted(res *Result)
}

// Actor identifies who triggered a dispatch, for audit logging.
type Actor struct {
	SystemUserID int64 `json:"id_user_sistema"`
}

// AccountResult is the per-account outcome of a dispatch.
type AccountResult struct {
	Conta       int64  `json:"conta"`
	Status      string `json:"status"`
	TokenGerado bool   `json:"token_gerado"`
	Token       string `json:"token,omitempty"`
	OrdemID     int64  `json:"ordem_id,omitempty"`
}

// Result is the structured outcome of one dispatch. Partial success (some
// accounts published, others not) is a normal CodeOK result, visible in
// Detalhes.
type Result struct {
	Code           string            `json:"code"`
	Mensagem       string            `json:"mensagem,omitempty"`
	RequisicaoID   int64             `json:"requisicao_id,omitempty"`
	Detalhes       []AccountResult   `json:"detalhes"`
	TokensPorConta map[string]string `json:"tokens_por_conta"`
	ElapsedMS      int64             `json:"elapsed_ms"`
}

// OK reports whether the dispatch reached the publish phase.
func (r *Result) OK() bool {
	return r.Code == CodeOK
}

// Dispatcher owns the fan-out pipeline. Construct once at startup.
type Dispatcher struct {
	repo     Repository
	store    Store
	minter   *token.Minter
	ttl      time.Duration
	notifier Notifier // optional, may be nil
	logger   *slog.Logger
}

// New creates a dispatcher. notifier may be nil.
func New(repo Repository, store Store, minter *token.Minter, ttl time.Duration, notifier Notifier, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		repo:     repo,
		store:    store,
		minter:   minter,
		ttl:      ttl,
		notifier: notifier,
		logger:   logger.With("component", "dispatch"),
	}
}

// Dispatch fans req out to every account actively bound to req.IDRobo.
// It never returns an error: every fault is folded into the Result code,
// and unexpected panics surface as INTERNAL_ERROR.
func (d *Dispatcher) Dispatch(ctx context.Context, req types.Request, actor Actor) (res *Result) {
	start := time.Now()
	traceID := uuid.NewString()
	logger := d.logger.With("trace_id", traceID, "id_robo", req.IDRobo)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("dispatch panic", "panic", rec)
			d.repo.Log(ctx, "problema", fmt.Sprintf("despacho falhou: %v", rec),
				map[string]any{"id_robo": req.IDRobo, "trace_id": traceID})
			res = &Result{
				Code:           CodeInternalError,
				Mensagem:       "erro interno",
				Detalhes:       []AccountResult{},
				TokensPorConta: map[string]string{},
			}
		}
		res.ElapsedMS = time.Since(start).Milliseconds()
		if d.notifier != nil {
			d.notifier.DispatchCompleted(res)
		}
	}()

	if err := validate(req, actor); err != nil {
		logger.Warn("invalid request", "error", err)
		return &Result{
			Code:           CodeValidation,
			Mensagem:       err.Error(),
			Detalhes:       []AccountResult{},
			TokensPorConta: map[string]string{},
		}
	}

	res, err := d.dispatch(ctx, req, actor, logger)
	if err != nil {
		logger.Error("dispatch failed", "error", err)
		d.repo.Log(ctx, "problema", "despacho falhou: "+err.Error(),
			map[string]any{"id_robo": req.IDRobo, "id_user_sistema": actor.SystemUserID, "trace_id": traceID})
		return &Result{
			Code:           CodeInternalError,
			Mensagem:       "erro interno",
			Detalhes:       []AccountResult{},
			TokensPorConta: map[string]string{},
		}
	}
	return res
}

func validate(req types.Request, actor Actor) error {
	if !req.Tipo.Valid() {
		return fmt.Errorf("tipo invalido: %q", req.Tipo)
	}
	if req.IDRobo <= 0 {
		return fmt.Errorf("id_robo invalido: %d", req.IDRobo)
	}
	if !req.Quantidade.IsPositive() {
		return fmt.Errorf("quantidade invalida: %s", req.Quantidade)
	}
	if actor.SystemUserID <= 0 {
		return fmt.Errorf("id_user_sistema invalido: %d", actor.SystemUserID)
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, req types.Request, actor Actor, logger *slog.Logger) (*Result, error) {
	requisicaoID, err := d.repo.CreateRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	logger = logger.With("requisicao_id", requisicaoID)
	logger.Info("request created", "tipo", req.Tipo, "symbol", req.Symbol)
	d.repo.Log(ctx, "info", "requisicao criada",
		map[string]any{"requisicao_id": requisicaoID, "id_robo": req.IDRobo, "id_user_sistema": actor.SystemUserID})

	accounts, err := d.repo.ListBoundAccounts(ctx, req.IDRobo)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		logger.Warn("no accounts bound to robot")
		d.repo.Log(ctx, "aviso", "nenhuma conta vinculada ao robo",
			map[string]any{"requisicao_id": requisicaoID, "id_robo": req.IDRobo})
		return &Result{
			Code:           CodeNoAccounts,
			Mensagem:       "nenhuma conta vinculada ao robo",
			RequisicaoID:   requisicaoID,
			Detalhes:       []AccountResult{},
			TokensPorConta: map[string]string{},
		}, nil
	}

	outcomes, err := d.repo.CreateOrdersForRequest(ctx, requisicaoID, req, accounts)
	if err != nil {
		return nil, err
	}

	detalhes := make([]AccountResult, 0, len(outcomes))
	tokens := make(map[string]string)
	for _, outcome := range outcomes {
		if outcome.Status != types.StatusCriada {
			detalhes = append(detalhes, AccountResult{Conta: outcome.IDConta, Status: outcome.Status})
			continue
		}

		ar := d.publishAccount(ctx, requisicaoID, req, outcome, logger)
		detalhes = append(detalhes, ar)
		if ar.Token != "" {
			tokens[strconv.FormatInt(ar.Conta, 10)] = ar.Token
		}
	}

	logger.Info("dispatch complete", "accounts", len(detalhes), "published", len(tokens))
	return &Result{
		Code:           CodeOK,
		RequisicaoID:   requisicaoID,
		Detalhes:       detalhes,
		TokensPorConta: tokens,
	}, nil
}

// publishAccount runs the per-account publish sequence. Failures degrade to
// an erro_publicacao status: the order row stays, the account is left for
// the watchdog to re-credential on its next pass.
func (d *Dispatcher) publishAccount(ctx context.Context, requisicaoID int64, req types.Request, outcome types.OrderOutcome, logger *slog.Logger) AccountResult {
	idConta := outcome.IDConta
	entry := payload.OrderEntry{
		OrdemID:     outcome.OrdemID,
		IDRobo:      req.IDRobo,
		IDTipoOrdem: req.IDTipoOrdem,
		Tipo:        strings.ToUpper(string(req.Tipo)),
	}
	if req.Symbol != "" {
		sym := req.Symbol
		entry.Symbol = &sym
	}

	failed := func(stage string, err error) AccountResult {
		logger.Error("publish failed", "conta", idConta, "stage", stage, "error", err)
		d.repo.Log(ctx, "erro", "publicacao de token falhou: "+err.Error(),
			map[string]any{"id_conta": idConta, "requisicao_id": requisicaoID})
		return AccountResult{Conta: idConta, Status: types.StatusErroPublicacao, OrdemID: outcome.OrdemID}
	}

	existing, err := d.repo.AccountTokenKey(ctx, idConta)
	if err != nil {
		return failed("read key", err)
	}

	if existing != "" {
		raw, ok, err := d.store.Get(ctx, existing)
		if err != nil {
			return failed("read payload", err)
		}
		var rawBytes []byte
		if ok {
			rawBytes = []byte(raw)
		}

		p := payload.Upgrade(rawBytes, idConta, "")
		if p.RequisicaoID == nil {
			p.RequisicaoID = &requisicaoID
		}

		displaced, replaced := p.MergeOrder(entry)
		if replaced && displaced != 0 && displaced != entry.OrdemID {
			if err := d.repo.DeleteOrder(ctx, displaced); err != nil {
				logger.Warn("superseded order delete failed",
					"conta", idConta, "ordem_id", displaced, "error", err)
			}
		}

		encoded, err := p.Encode()
		if err != nil {
			return failed("encode payload", err)
		}
		if err := d.store.Set(ctx, existing, encoded, d.ttl); err != nil {
			return failed("write payload", err)
		}
		// Idempotent re-record; covers drift between row and store.
		if err := d.repo.SetAccountTokenKey(ctx, idConta, existing); err != nil {
			logger.Warn("token key re-record failed", "conta", idConta, "error", err)
		}

		return AccountResult{
			Conta:   idConta,
			Status:  types.StatusPublicada,
			Token:   token.Opaque(existing),
			OrdemID: outcome.OrdemID,
		}
	}

	key, err := d.minter.Mint()
	if err != nil {
		return failed("mint token", err)
	}

	p := payload.Skeleton(idConta, &requisicaoID)
	p.MergeOrder(entry)
	encoded, err := p.Encode()
	if err != nil {
		return failed("encode payload", err)
	}
	if err := d.store.Set(ctx, key, encoded, d.ttl); err != nil {
		return failed("write payload", err)
	}
	if err := d.repo.SetAccountTokenKey(ctx, idConta, key); err != nil {
		return failed("record key", err)
	}

	logger.Info("token issued", "conta", idConta, "ordem_id", outcome.OrdemID)
	return AccountResult{
		Conta:       idConta,
		Status:      types.StatusPublicada,
		TokenGerado: true,
		Token:       token.Opaque(key),
		OrdemID:     outcome.OrdemID,
	}
}
