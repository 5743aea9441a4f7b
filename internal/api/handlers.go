package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"robogate/internal/dispatch"
	"robogate/pkg/types"
)

// Dispatcher is the dispatch entrypoint the API calls into.
type Dispatcher interface {
	Dispatch(ctx context.Context, req types.Request, actor dispatch.Actor) *dispatch.Result
}

// PayloadReader reads a consumer's payload out of the TTL store.
type PayloadReader interface {
	Get(ctx context.Context, key string) (string, bool, error)
}

// KeyResolver rebuilds the full store key from an opaque consumer token.
type KeyResolver interface {
	Key(opaque string) string
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	dispatcher Dispatcher
	store      PayloadReader
	keys       KeyResolver
	hub        *Hub
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewHandlers creates a handlers instance. allowedOrigins empty or containing
// "*" allows any origin on the WebSocket endpoint.
func NewHandlers(dispatcher Dispatcher, store PayloadReader, keys KeyResolver, hub *Hub, allowedOrigins []string, logger *slog.Logger) *Handlers {
	return &Handlers{
		dispatcher: dispatcher,
		store:      store,
		keys:       keys,
		hub:        hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return isOriginAllowed(r.Header.Get("Origin"), allowedOrigins)
			},
		},
		logger: logger.With("component", "api-handlers"),
	}
}

func isOriginAllowed(origin string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// dispatchRequest is the POST /api/requests body.
type dispatchRequest struct {
	Tipo          string `json:"tipo"`
	IDRobo        int64  `json:"id_robo"`
	Quantidade    string `json:"quantidade"`
	Preco         string `json:"preco"`
	Symbol        string `json:"symbol"`
	IDTipoOrdem   *int64 `json:"id_tipo_ordem"`
	IDUserSistema int64  `json:"id_user_sistema"`
}

// HandleDispatch accepts a trading request and fans it out. The dispatcher
// never errors: the HTTP status follows the result code.
func (h *Handlers) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	req := types.Request{
		Tipo:        types.RequestType(body.Tipo),
		IDRobo:      body.IDRobo,
		Symbol:      body.Symbol,
		IDTipoOrdem: body.IDTipoOrdem,
	}
	var err error
	if req.Quantidade, err = parseDecimal(body.Quantidade); err != nil {
		http.Error(w, "invalid quantidade", http.StatusBadRequest)
		return
	}
	if body.Preco != "" {
		if req.Preco, err = parseDecimal(body.Preco); err != nil {
			http.Error(w, "invalid preco", http.StatusBadRequest)
			return
		}
	}

	res := h.dispatcher.Dispatch(r.Context(), req, dispatch.Actor{SystemUserID: body.IDUserSistema})

	h.hub.BroadcastEvent(StreamEvent{
		Type:      "dispatch",
		Timestamp: time.Now(),
		Data:      res,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForCode(res.Code))
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.logger.Error("failed to encode dispatch result", "error", err)
	}
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func statusForCode(code string) int {
	switch code {
	case dispatch.CodeOK:
		return http.StatusOK
	case dispatch.CodeNoAccounts:
		return http.StatusNotFound
	case dispatch.CodeValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// HandlePayload serves the current order payload to a consumer holding an
// opaque token. This is the HTTP twin of a direct store read: the consumer
// never touches the relational database.
func (h *Handlers) HandlePayload(w http.ResponseWriter, r *http.Request) {
	opaque := r.URL.Query().Get("token")
	if opaque == "" {
		http.Error(w, "missing token", http.StatusBadRequest)
		return
	}

	value, ok, err := h.store.Get(r.Context(), h.keys.Key(opaque))
	if err != nil {
		h.logger.Error("payload read failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "token not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(value))
}

// HandleWebSocket upgrades the connection and registers an event-stream
// client.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	NewClient(h.hub, conn)
}
