// Package payload parses, builds, and upgrades the order payload document
// published under each account's credential key.
//
// Two shapes exist in the wild. The current one (v2) carries a list of
// orders, at most one per robot:
//
//	{"conta":"10","requisicao_id":42,"scope":"consulta_reqs",
//	 "ordens":[{"ordem_id":17,"id_robo":7,"id_tipo_ordem":null,
//	            "tipo":"BUY","symbol":"ABC"}]}
//
// The legacy shape held a single order inline ("ordem_id" + "dados").
// Upgrade is a total function from any raw value — absent, corrupt, legacy,
// or v2 — to a well-formed v2 document, so every write through this package
// leaves only v2 behind.
package payload

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Scope is the fixed scope marker of every published payload.
const Scope = "consulta_reqs"

// OrderEntry is one order inside a v2 payload. Ordens holds at most one
// entry per distinct IDRobo.
type OrderEntry struct {
	OrdemID     int64   `json:"ordem_id"`
	IDRobo      int64   `json:"id_robo"`
	IDTipoOrdem *int64  `json:"id_tipo_ordem"`
	Tipo        string  `json:"tipo"`
	Symbol      *string `json:"symbol"`
}

// Payload is the v2 document stored under a credential key.
type Payload struct {
	Conta        string       `json:"conta"`
	RequisicaoID *int64       `json:"requisicao_id"`
	Scope        string       `json:"scope"`
	Ordens       []OrderEntry `json:"ordens"`
}

// Skeleton builds an empty v2 payload for the given account.
func Skeleton(idConta int64, requisicaoID *int64) Payload {
	return Payload{
		Conta:        strconv.FormatInt(idConta, 10),
		RequisicaoID: requisicaoID,
		Scope:        Scope,
		Ordens:       []OrderEntry{},
	}
}

// legacyDoc is the pre-v2 single-order shape.
type legacyDoc struct {
	Conta        flexString  `json:"conta"`
	RequisicaoID *int64      `json:"requisicao_id"`
	OrdemID      *int64      `json:"ordem_id"`
	Dados        *legacyData `json:"dados"`
}

type legacyData struct {
	IDRobo      int64   `json:"id_robo"`
	IDTipoOrdem *int64  `json:"id_tipo_ordem"`
	Tipo        string  `json:"tipo"`
	Symbol      *string `json:"symbol"`
}

// flexString tolerates legacy writers that stored conta as a JSON number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// Upgrade converts any raw stored value into a v2 payload for idConta.
// numeroUnico, when shaped REQ-<req>-<conta>, supplies the requisicao_id
// hint for documents that lack one. Rules:
//
//  1. absent or invalid JSON → skeleton;
//  2. object containing "ordens" → v2; missing conta/scope/requisicao_id
//     are filled from the hints, existing non-null fields are never touched;
//  3. anything else → legacy; a skeleton is built and, when the document
//     carried an ordem_id, that single order is appended.
//
// Upgrade is idempotent: re-upgrading a serialized result is a no-op.
func Upgrade(raw []byte, idConta int64, numeroUnico string) Payload {
	hint := RequisicaoIDFromNumeroUnico(numeroUnico)

	if len(raw) == 0 {
		return Skeleton(idConta, hint)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Skeleton(idConta, hint)
	}

	if _, ok := fields["ordens"]; ok {
		var p Payload
		if err := json.Unmarshal(raw, &p); err != nil {
			return Skeleton(idConta, hint)
		}
		if p.Conta == "" {
			p.Conta = strconv.FormatInt(idConta, 10)
		}
		if p.Scope == "" {
			p.Scope = Scope
		}
		if p.RequisicaoID == nil {
			p.RequisicaoID = hint
		}
		if p.Ordens == nil {
			p.Ordens = []OrderEntry{}
		}
		return p
	}

	var legacy legacyDoc
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return Skeleton(idConta, hint)
	}

	p := Skeleton(idConta, hint)
	if legacy.Conta != "" {
		p.Conta = string(legacy.Conta)
	}
	if legacy.RequisicaoID != nil {
		p.RequisicaoID = legacy.RequisicaoID
	}
	if legacy.OrdemID != nil {
		entry := OrderEntry{OrdemID: *legacy.OrdemID}
		if legacy.Dados != nil {
			entry.IDRobo = legacy.Dados.IDRobo
			entry.IDTipoOrdem = legacy.Dados.IDTipoOrdem
			entry.Tipo = legacy.Dados.Tipo
			entry.Symbol = legacy.Dados.Symbol
		}
		p.Ordens = append(p.Ordens, entry)
	}
	return p
}

// MergeOrder inserts entry into the payload, keeping at most one order per
// robot. When an entry with the same IDRobo already exists it is replaced
// in place (order of Ordens is stable under repeated merges) and its
// ordem_id is returned so the caller can retire the superseded order row.
func (p *Payload) MergeOrder(entry OrderEntry) (displacedOrdemID int64, replaced bool) {
	for i, existing := range p.Ordens {
		if existing.IDRobo == entry.IDRobo {
			p.Ordens[i] = entry
			return existing.OrdemID, true
		}
	}
	p.Ordens = append(p.Ordens, entry)
	return 0, false
}

// Encode serializes the payload to its stored JSON form.
func (p Payload) Encode() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// RequisicaoIDFromNumeroUnico parses the request id out of an order's
// numero_unico (REQ-<requisicao_id>-<conta_meta_trader>). Returns nil for
// any other shape.
func RequisicaoIDFromNumeroUnico(s string) *int64 {
	rest, ok := strings.CutPrefix(s, "REQ-")
	if !ok {
		return nil
	}
	mid, _, ok := strings.Cut(rest, "-")
	if !ok {
		return nil
	}
	id, err := strconv.ParseInt(mid, 10, 64)
	if err != nil {
		return nil
	}
	return &id
}
