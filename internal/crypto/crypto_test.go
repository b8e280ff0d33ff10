package crypto

import (
	"bytes"
	"testing"
)

func TestEncryptDecrypt(t *testing.T) {
	key, _, err := DeriveKeyFromPassphrase("correct horse battery staple")
	if err != nil {
		t.Fatalf("DeriveKeyFromPassphrase: %v", err)
	}

	plaintext := []byte("hello, peer token")
	ct, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := Decrypt(key, ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round-trip mismatch: got %q, want %q", got, plaintext)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	key1, _, _ := DeriveKeyFromPassphrase("passphrase-one")
	key2, _, _ := DeriveKeyFromPassphrase("passphrase-two")

	ct, err := Encrypt(key1, []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	_, err = Decrypt(key2, ct)
	if err == nil {
		t.Fatal("expected error decrypting with wrong key")
	}
}

func TestDeriveKeyFromPassphrase(t *testing.T) {
	pass := "correct horse battery staple"

	key1, salt, err := DeriveKeyFromPassphrase(pass)
	if err != nil {
		t.Fatalf("DeriveKeyFromPassphrase: %v", err)
	}

	if len(key1) != keyLen {
		t.Fatalf("key length: got %d, want %d", len(key1), keyLen)
	}
	if len(salt) != saltLen {
		t.Fatalf("salt length: got %d, want %d", len(salt), saltLen)
	}

	// Re-derive with same salt should produce same key.
	key2, err := DeriveKeyFromPassphraseWithSalt(pass, salt)
	if err != nil {
		t.Fatalf("DeriveKeyFromPassphraseWithSalt: %v", err)
	}

	if !bytes.Equal(key1, key2) {
		t.Fatal("re-derived key mismatch")
	}
}

func TestDeriveKeyDifferentPassphrase(t *testing.T) {
	key1, salt, err := DeriveKeyFromPassphrase("passphrase-one")
	if err != nil {
		t.Fatalf("derive 1: %v", err)
	}

	key2, err := DeriveKeyFromPassphraseWithSalt("passphrase-two", salt)
	if err != nil {
		t.Fatalf("derive 2: %v", err)
	}

	if bytes.Equal(key1, key2) {
		t.Fatal("different passphrases should produce different keys")
	}
}

func TestDeriveKeyFromPassphraseWithSaltWrongLength(t *testing.T) {
	if _, err := DeriveKeyFromPassphraseWithSalt("pass", []byte("too-short")); err == nil {
		t.Fatal("expected error for wrong salt length")
	}
}
