package channel

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"wecombot/internal/config"
)

var (
	errBadAESKey    = errors.New("wecom: encodingAESKey must decode to 32 bytes")
	errBadCipher    = errors.New("wecom: malformed ciphertext")
	errReceiveIDMix = errors.New("wecom: receive id mismatch")
)

// msgCrypto implements WeCom's callback signing and AES-CBC envelope:
// random(16) | len(uint32 BE) | msg | receiveID, PKCS#7 padded to 32 bytes.
type msgCrypto struct {
	token     string
	key       []byte
	receiveID string
}

func newMsgCrypto(token, encodingAESKey, receiveID string) (*msgCrypto, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encodingAESKey) + "=")
	if err != nil || len(key) != 32 {
		return nil, errBadAESKey
	}
	return &msgCrypto{token: strings.TrimSpace(token), key: key, receiveID: receiveID}, nil
}

func (c *msgCrypto) signature(timestamp, nonce, encrypt string) string {
	parts := []string{c.token, timestamp, nonce, encrypt}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

func (c *msgCrypto) verify(sig, timestamp, nonce, encrypt string) bool {
	if sig == "" {
		return false
	}
	expected := c.signature(timestamp, nonce, encrypt)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) == 1
}

func (c *msgCrypto) decrypt(encrypt string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encrypt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadCipher, err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, errBadCipher
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, c.key[:aes.BlockSize]).CryptBlocks(plain, data)

	pad := int(plain[len(plain)-1])
	if pad < 1 || pad > 32 || pad > len(plain) {
		return nil, errBadCipher
	}
	plain = plain[:len(plain)-pad]
	if len(plain) < 20 {
		return nil, errBadCipher
	}
	n := int(binary.BigEndian.Uint32(plain[16:20]))
	if n < 0 || 20+n > len(plain) {
		return nil, errBadCipher
	}
	msg := plain[20 : 20+n]
	if c.receiveID != "" && !bytes.Equal(plain[20+n:], []byte(c.receiveID)) {
		return nil, errReceiveIDMix
	}
	return msg, nil
}

// CheckCredentials reports whether the account's token and encodingAESKey
// can verify and decrypt callbacks.
func CheckCredentials(acct config.ResolvedAccount) error {
	if !acct.Configured {
		return fmt.Errorf("account %s: token and encodingAESKey are required", acct.AccountID)
	}
	if _, err := newMsgCrypto(acct.Config.Token, acct.Config.EncodingAESKey, acct.Config.ReceiveID); err != nil {
		return fmt.Errorf("account %s: %w", acct.AccountID, err)
	}
	return nil
}
