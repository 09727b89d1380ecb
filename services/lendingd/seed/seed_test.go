package seed

import (
	"context"
	"testing"

	vcrypto "vaultlend/crypto"
	"vaultlend/native/registry"
	"vaultlend/native/stable"
	"vaultlend/storage"
)

func addr(b byte) vcrypto.Address {
	var raw [20]byte
	raw[19] = b
	return vcrypto.AddressFromRaw(vcrypto.AccountPrefix, raw)
}

func TestApplySeedsOnce(t *testing.T) {
	db := storage.NewMemDB()
	admin := addr(0x0A)
	alice := addr(0x01)
	custody := vcrypto.ModuleAddress("lending")

	reg, err := registry.New(admin.Raw(), db)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	ledger, err := stable.New(admin.Raw(), db)
	if err != nil {
		t.Fatalf("stable: %v", err)
	}

	file, err := Parse([]byte(`
assets:
  - id: 1
    owner: ` + alice.String() + `
    weight: 100
    purity: 9999
    certificate: " LBMA-0001 "
    vault: London
  - id: 2
    owner: ` + alice.String() + `
    weight: 50
    inactive: true
balances:
  - address: ` + alice.String() + `
    amount: "1000.5"
liquidity: "1000000"
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	res, err := Apply(db, file, reg, ledger, admin, custody)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Skipped || res.Assets != 2 || res.Balances != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}

	asset, err := reg.Asset(context.Background(), 1)
	if err != nil {
		t.Fatalf("asset: %v", err)
	}
	if asset.CertificateID != "LBMA-0001" || !asset.Active || asset.Weight != 100 {
		t.Fatalf("unexpected asset: %+v", asset)
	}
	inactive, _ := reg.Asset(context.Background(), 2)
	if inactive.Active {
		t.Fatalf("asset 2 should be inactive")
	}

	bal, _ := ledger.BalanceOf(context.Background(), alice.Raw())
	if bal.String() != "1000500000000000000000" {
		t.Fatalf("unexpected alice balance: %s", bal)
	}
	liq, _ := ledger.BalanceOf(context.Background(), custody.Raw())
	if liq.String() != "1000000000000000000000000" {
		t.Fatalf("unexpected liquidity: %s", liq)
	}

	again, err := Apply(db, file, reg, ledger, admin, custody)
	if err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	if !again.Skipped {
		t.Fatalf("expected second apply to be skipped")
	}
	if supply := ledger.TotalSupply(); supply.String() != "1001000500000000000000000" {
		t.Fatalf("supply changed on re-apply: %s", supply)
	}
}

func TestApplyRejectsBadInput(t *testing.T) {
	db := storage.NewMemDB()
	admin := addr(0x0A)
	reg, _ := registry.New(admin.Raw(), db)
	ledger, _ := stable.New(admin.Raw(), db)

	cases := map[string]string{
		"bad owner":       "assets:\n  - id: 1\n    owner: nope\n    weight: 1\n",
		"zero weight":     "assets:\n  - id: 1\n    owner: " + addr(1).String() + "\n    weight: 0\n",
		"negative amount": "balances:\n  - address: " + addr(1).String() + "\n    amount: \"-5\"\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			file, err := Parse([]byte(raw))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if _, err := Apply(db, file, reg, ledger, admin, vcrypto.ModuleAddress("lending")); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
