package crypto

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	addr := key.PubKey().Address()
	if addr.Prefix() != AccountPrefix {
		t.Fatalf("unexpected prefix %q", addr.Prefix())
	}
	decoded, err := DecodeAddress(addr.String())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Equal(addr) {
		t.Fatalf("decoded address mismatch: %s vs %s", decoded, addr)
	}
	if AddressFromRaw(AccountPrefix, addr.Raw()).String() != addr.String() {
		t.Fatalf("raw conversion changed the address")
	}
}

func TestDecodeAddressRejectsForeignPrefix(t *testing.T) {
	// Valid bech32 with an unrelated human-readable part.
	if _, err := DecodeAddress("bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"); err == nil {
		t.Fatalf("expected foreign prefix to be rejected")
	}
	if _, err := DecodeAddress("not-an-address"); err == nil {
		t.Fatalf("expected malformed input to be rejected")
	}
}

func TestAddressJSON(t *testing.T) {
	addr := ModuleAddress("lending")
	if addr.Prefix() != ModulePrefix {
		t.Fatalf("module address must use the module prefix")
	}
	if !ModuleAddress(" Lending ").Equal(addr) {
		t.Fatalf("module address derivation must be normalised")
	}
	payload, err := json.Marshal(struct {
		Owner Address `json:"owner"`
	}{Owner: addr})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded struct {
		Owner Address `json:"owner"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !decoded.Owner.Equal(addr) {
		t.Fatalf("json round trip mismatch")
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "owner.json")
	if err := SaveToKeystoreWithParams(path, key, "secret", LightKeystore); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadFromKeystore(path, "secret")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !loaded.PubKey().Address().Equal(key.PubKey().Address()) {
		t.Fatalf("loaded key does not match")
	}
	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
}
