package wasem

import "testing"

func TestIsModule(t *testing.T) {
	if !IsModule(append(append([]byte{}, Magic...), Version...)) {
		t.Fatal("header with wasm magic not recognized")
	}
	if IsModule([]byte{0x1f, 0x8b, 0x08, 0x00}) {
		t.Fatal("gzip header recognized as wasm")
	}
	if IsModule(Magic[:3]) {
		t.Fatal("short input recognized as wasm")
	}
}
