package util

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
)

const tokenSize = 32

// Token is a bearer secret handed to API callers. Only its hash is configured on the server.
type Token [tokenSize]byte

func NewToken() (Token, error) {
	var t Token
	_, err := rand.Read(t[:])
	if err != nil {
		return Token{}, fmt.Errorf("generating token: %w", err)
	}
	return t, nil
}

func ParseToken(s string) (Token, error) {
	var t Token
	err := decodeHex(t[:], s)
	if err != nil {
		return Token{}, fmt.Errorf("token: %w", err)
	}
	return t, nil
}

func (t Token) String() string {
	return hex.EncodeToString(t[:])
}

func (t Token) Hash() *TokenHash {
	h := TokenHash(sha256.Sum256(t[:]))
	return &h
}

type TokenHash [sha256.Size]byte

func ParseTokenHash(s string) (TokenHash, error) {
	var h TokenHash
	err := decodeHex(h[:], s)
	if err != nil {
		return TokenHash{}, fmt.Errorf("token hash: %w", err)
	}
	return h, nil
}

func (h TokenHash) String() string {
	return hex.EncodeToString(h[:])
}

// Equal compares in constant time.
func (h TokenHash) Equal(h2 TokenHash) bool {
	return subtle.ConstantTimeCompare(h[:], h2[:]) == 1
}

func (h TokenHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *TokenHash) UnmarshalText(data []byte) error {
	h2, err := ParseTokenHash(string(data))
	if err != nil {
		return err
	}
	*h = h2
	return nil
}

func decodeHex(dst []byte, s string) error {
	if len(s) != hex.EncodedLen(len(dst)) {
		return errors.New("wrong length")
	}
	_, err := hex.Decode(dst, []byte(s))
	return err
}
