package payload

import (
	"encoding/json"
	"testing"
)

func int64Ptr(v int64) *int64 { return &v }

func strPtr(s string) *string { return &s }

func TestUpgradeAbsentOrCorrupt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  []byte
	}{
		{"nil", nil},
		{"empty", []byte{}},
		{"garbage", []byte("not json at all")},
		{"json array", []byte(`[1,2,3]`)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := Upgrade(tt.raw, 10, "REQ-42-555")
			if p.Conta != "10" {
				t.Errorf("conta = %q, want %q", p.Conta, "10")
			}
			if p.Scope != Scope {
				t.Errorf("scope = %q, want %q", p.Scope, Scope)
			}
			if p.RequisicaoID == nil || *p.RequisicaoID != 42 {
				t.Errorf("requisicao_id = %v, want 42", p.RequisicaoID)
			}
			if len(p.Ordens) != 0 {
				t.Errorf("ordens = %v, want empty", p.Ordens)
			}
		})
	}
}

func TestUpgradeV2Passthrough(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"conta":"7","requisicao_id":99,"scope":"consulta_reqs",` +
		`"ordens":[{"ordem_id":5,"id_robo":3,"id_tipo_ordem":null,"tipo":"BUY","symbol":"XY"}]}`)

	p := Upgrade(raw, 999, "REQ-1-x")

	// Existing fields are never overwritten by hints.
	if p.Conta != "7" {
		t.Errorf("conta = %q, want %q", p.Conta, "7")
	}
	if p.RequisicaoID == nil || *p.RequisicaoID != 99 {
		t.Errorf("requisicao_id = %v, want 99", p.RequisicaoID)
	}
	if len(p.Ordens) != 1 || p.Ordens[0].OrdemID != 5 || p.Ordens[0].IDRobo != 3 {
		t.Errorf("ordens = %+v", p.Ordens)
	}
}

func TestUpgradeV2FillsMissingFields(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"ordens":[]}`)
	p := Upgrade(raw, 12, "REQ-8-777")

	if p.Conta != "12" {
		t.Errorf("conta = %q, want %q", p.Conta, "12")
	}
	if p.Scope != Scope {
		t.Errorf("scope = %q, want %q", p.Scope, Scope)
	}
	if p.RequisicaoID == nil || *p.RequisicaoID != 8 {
		t.Errorf("requisicao_id = %v, want 8", p.RequisicaoID)
	}
	if p.Ordens == nil {
		t.Error("ordens must be non-nil after upgrade")
	}
}

func TestUpgradeLegacySingleOrder(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"conta":"10","requisicao_id":42,"scope":"consulta_reqs",` +
		`"ordem_id":17,"dados":{"id_robo":7,"tipo":"buy","symbol":"ABC"}}`)

	p := Upgrade(raw, 10, "")

	if p.Conta != "10" {
		t.Errorf("conta = %q, want %q", p.Conta, "10")
	}
	if p.RequisicaoID == nil || *p.RequisicaoID != 42 {
		t.Errorf("requisicao_id = %v, want 42", p.RequisicaoID)
	}
	if len(p.Ordens) != 1 {
		t.Fatalf("ordens len = %d, want 1", len(p.Ordens))
	}
	o := p.Ordens[0]
	if o.OrdemID != 17 || o.IDRobo != 7 || o.Tipo != "buy" {
		t.Errorf("order = %+v", o)
	}
	if o.Symbol == nil || *o.Symbol != "ABC" {
		t.Errorf("symbol = %v, want ABC", o.Symbol)
	}
}

func TestUpgradeLegacyNumericConta(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"conta":10,"ordem_id":3,"dados":{"id_robo":2,"tipo":"sell"}}`)
	p := Upgrade(raw, 99, "")

	if p.Conta != "10" {
		t.Errorf("conta = %q, want %q (numeric conta tolerated)", p.Conta, "10")
	}
	if len(p.Ordens) != 1 || p.Ordens[0].IDRobo != 2 {
		t.Errorf("ordens = %+v", p.Ordens)
	}
}

func TestUpgradeLegacyWithoutOrder(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"conta":"4"}`)
	p := Upgrade(raw, 4, "REQ-6-100")

	if len(p.Ordens) != 0 {
		t.Errorf("ordens = %+v, want empty", p.Ordens)
	}
	if p.RequisicaoID == nil || *p.RequisicaoID != 6 {
		t.Errorf("requisicao_id = %v, want 6 from hint", p.RequisicaoID)
	}
}

func TestUpgradeIdempotent(t *testing.T) {
	t.Parallel()

	inputs := [][]byte{
		nil,
		[]byte(`garbage`),
		[]byte(`{"conta":"10","requisicao_id":42,"scope":"consulta_reqs","ordem_id":17,"dados":{"id_robo":7,"tipo":"buy","symbol":"ABC"}}`),
		[]byte(`{"conta":"7","requisicao_id":99,"scope":"consulta_reqs","ordens":[{"ordem_id":5,"id_robo":3,"id_tipo_ordem":null,"tipo":"BUY","symbol":null}]}`),
	}

	for _, raw := range inputs {
		once := Upgrade(raw, 10, "REQ-42-555")
		enc, err := once.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		twice := Upgrade([]byte(enc), 10, "REQ-42-555")

		a, _ := json.Marshal(once)
		b, _ := json.Marshal(twice)
		if string(a) != string(b) {
			t.Errorf("upgrade not idempotent:\n first = %s\nsecond = %s", a, b)
		}
	}
}

func TestMergeOrderAppendAndReplace(t *testing.T) {
	t.Parallel()

	p := Skeleton(10, nil)

	if _, replaced := p.MergeOrder(OrderEntry{OrdemID: 1, IDRobo: 7, Tipo: "BUY"}); replaced {
		t.Error("first merge must append, not replace")
	}
	if _, replaced := p.MergeOrder(OrderEntry{OrdemID: 2, IDRobo: 9, Tipo: "SELL"}); replaced {
		t.Error("different robot must append")
	}

	displaced, replaced := p.MergeOrder(OrderEntry{OrdemID: 3, IDRobo: 7, Tipo: "SELL"})
	if !replaced || displaced != 1 {
		t.Errorf("replace: displaced=%d replaced=%v, want 1 true", displaced, replaced)
	}

	if len(p.Ordens) != 2 {
		t.Fatalf("ordens len = %d, want 2", len(p.Ordens))
	}
	// Replacement is in place: robot 7 stays first.
	if p.Ordens[0].IDRobo != 7 || p.Ordens[0].OrdemID != 3 {
		t.Errorf("ordens[0] = %+v, want robot 7 order 3", p.Ordens[0])
	}
}

func TestMergeOrderStable(t *testing.T) {
	t.Parallel()

	p := Skeleton(10, int64Ptr(1))
	p.MergeOrder(OrderEntry{OrdemID: 1, IDRobo: 7, Tipo: "BUY", Symbol: strPtr("AB")})
	p.MergeOrder(OrderEntry{OrdemID: 2, IDRobo: 9, Tipo: "SELL"})

	entry := OrderEntry{OrdemID: 3, IDRobo: 7, Tipo: "SELL"}
	p.MergeOrder(entry)
	first, err := p.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	p.MergeOrder(entry)
	second, err := p.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if first != second {
		t.Errorf("merge not stable:\n first = %s\nsecond = %s", first, second)
	}
}

func TestRequisicaoIDFromNumeroUnico(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want *int64
	}{
		{"REQ-42-555", int64Ptr(42)},
		{"REQ-1-abc", int64Ptr(1)},
		{"REQ-0-x", int64Ptr(0)},
		{"", nil},
		{"REQ-", nil},
		{"REQ-42", nil},
		{"REQ-x-555", nil},
		{"OTHER-42-555", nil},
	}

	for _, tt := range tests {
		got := RequisicaoIDFromNumeroUnico(tt.in)
		switch {
		case tt.want == nil && got != nil:
			t.Errorf("%q: got %d, want nil", tt.in, *got)
		case tt.want != nil && got == nil:
			t.Errorf("%q: got nil, want %d", tt.in, *tt.want)
		case tt.want != nil && got != nil && *got != *tt.want:
			t.Errorf("%q: got %d, want %d", tt.in, *got, *tt.want)
		}
	}
}

func TestLegacyMigrationShape(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"conta":"10","requisicao_id":42,"scope":"consulta_reqs",` +
		`"ordem_id":17,"dados":{"id_robo":7,"tipo":"buy","symbol":"ABC"}}`)

	enc, err := Upgrade(raw, 10, "").Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal([]byte(enc), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := got["ordem_id"]; ok {
		t.Error("migrated payload must not carry top-level ordem_id")
	}
	if _, ok := got["dados"]; ok {
		t.Error("migrated payload must not carry dados")
	}
	ordens, ok := got["ordens"].([]any)
	if !ok || len(ordens) != 1 {
		t.Fatalf("ordens = %v, want single entry", got["ordens"])
	}
}
