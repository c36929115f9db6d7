package channel

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"testing"

	"wecombot/internal/config"
)

const testAESKey = "abcdefghijklmnopqrstuvwxyz0123456789ABCDEFG"

// sealForTest builds a callback envelope the way the WeCom server does.
func sealForTest(t *testing.T, c *msgCrypto, msg []byte, receiveID string) string {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("0123456789abcdef")
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(msg)))
	buf.Write(n[:])
	buf.Write(msg)
	buf.WriteString(receiveID)

	pad := 32 - buf.Len()%32
	buf.Write(bytes.Repeat([]byte{byte(pad)}, pad))

	block, err := aes.NewCipher(c.key)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]byte, buf.Len())
	cipher.NewCBCEncrypter(block, c.key[:aes.BlockSize]).CryptBlocks(out, buf.Bytes())
	return base64.StdEncoding.EncodeToString(out)
}

func testCrypto(t *testing.T) *msgCrypto {
	t.Helper()
	c, err := newMsgCrypto("token-1", testAESKey, "")
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestMsgCrypto_BadKey(t *testing.T) {
	if _, err := newMsgCrypto("t", "short", ""); !errors.Is(err, errBadAESKey) {
		t.Fatalf("expected errBadAESKey, got %v", err)
	}
}

func TestMsgCrypto_DecryptRoundTrip(t *testing.T) {
	c := testCrypto(t)
	for _, msg := range []string{"", "hello", string(bytes.Repeat([]byte("x"), 100))} {
		sealed := sealForTest(t, c, []byte(msg), "")
		got, err := c.decrypt(sealed)
		if err != nil {
			t.Fatalf("decrypt %q: %v", msg, err)
		}
		if string(got) != msg {
			t.Errorf("got %q, want %q", got, msg)
		}
	}
}

func TestMsgCrypto_ReceiveID(t *testing.T) {
	c, err := newMsgCrypto("token-1", testAESKey, "corp-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.decrypt(sealForTest(t, c, []byte("hi"), "corp-1")); err != nil {
		t.Fatalf("matching receive id: %v", err)
	}
	if _, err := c.decrypt(sealForTest(t, c, []byte("hi"), "corp-2")); !errors.Is(err, errReceiveIDMix) {
		t.Fatalf("expected receive id mismatch, got %v", err)
	}
}

func TestMsgCrypto_DecryptGarbage(t *testing.T) {
	c := testCrypto(t)
	for _, in := range []string{"not base64!", "", base64.StdEncoding.EncodeToString([]byte("short"))} {
		if _, err := c.decrypt(in); err == nil {
			t.Errorf("decrypt(%q) should fail", in)
		}
	}
}

func TestMsgCrypto_Signature(t *testing.T) {
	c := testCrypto(t)
	sig := c.signature("1700000000", "nonce", "payload")
	if len(sig) != 40 {
		t.Fatalf("expected sha1 hex, got %q", sig)
	}
	if !c.verify(sig, "1700000000", "nonce", "payload") {
		t.Error("valid signature should verify")
	}
	if c.verify(sig, "1700000001", "nonce", "payload") {
		t.Error("tampered timestamp should not verify")
	}
	if c.verify("", "1700000000", "nonce", "payload") {
		t.Error("empty signature should not verify")
	}
}

func TestCheckCredentials(t *testing.T) {
	acct := config.ResolveAccount(testConfig(), "default")
	if err := CheckCredentials(acct); err != nil {
		t.Errorf("valid account: %v", err)
	}

	acct.Config.EncodingAESKey = "short"
	if err := CheckCredentials(acct); !errors.Is(err, errBadAESKey) {
		t.Errorf("expected errBadAESKey, got %v", err)
	}

	if err := CheckCredentials(config.ResolveAccount(config.Defaults(), "default")); err == nil {
		t.Error("unconfigured account should fail")
	}
}
