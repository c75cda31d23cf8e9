package crypto_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/bdobrica/kokoro/common/crypto"
)

func makeKey(t *testing.T, seed byte) []byte {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = seed + byte(i)
	}
	return key
}

func TestBox_SealOpenRoundtrip(t *testing.T) {
	box, err := crypto.NewBox(makeKey(t, 0))
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	plaintext := []byte(`{"facts":["name: Asha"]}`)

	sealed, err := box.Seal(plaintext, "u1/aiko")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("Asha")) {
		t.Fatal("sealed blob leaks plaintext")
	}

	opened, err := box.Open(sealed, "u1/aiko")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("opened %q, want %q", opened, plaintext)
	}
}

func TestBox_OpenRejectsOtherLabel(t *testing.T) {
	box, _ := crypto.NewBox(makeKey(t, 0))
	sealed, err := box.Seal([]byte("memory"), "u1/aiko")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := box.Open(sealed, "u2/aiko"); err == nil {
		t.Fatal("expected error opening blob under a different label")
	}
}

func TestBox_OpenRejectsOtherKey(t *testing.T) {
	a, _ := crypto.NewBox(makeKey(t, 0))
	b, _ := crypto.NewBox(makeKey(t, 1))
	sealed, _ := a.Seal([]byte("memory"), "x")
	if _, err := b.Open(sealed, "x"); err == nil {
		t.Fatal("expected error opening blob with a different key")
	}
}

func TestBox_OpenShortCiphertext(t *testing.T) {
	box, _ := crypto.NewBox(makeKey(t, 0))
	if _, err := box.Open([]byte{1, 2, 3}, "x"); err != crypto.ErrCiphertextTooShort {
		t.Errorf("err = %v, want ErrCiphertextTooShort", err)
	}
}

func TestNewBox_InvalidKeySize(t *testing.T) {
	if _, err := crypto.NewBox([]byte("short")); err != crypto.ErrInvalidKeySize {
		t.Errorf("err = %v, want ErrInvalidKeySize", err)
	}
}

func TestParseKey(t *testing.T) {
	valid := strings.Repeat("ab", crypto.KeySize)
	key, err := crypto.ParseKey("  " + valid + "\n")
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if len(key) != crypto.KeySize {
		t.Errorf("len = %d, want %d", len(key), crypto.KeySize)
	}

	for _, bad := range []string{"", "zz", strings.Repeat("ab", 8)} {
		if _, err := crypto.ParseKey(bad); err == nil {
			t.Errorf("ParseKey(%q): expected error", bad)
		}
	}
}
