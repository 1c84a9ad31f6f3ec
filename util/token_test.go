package util

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func TestTokenHash(t *testing.T) {
	token, err := NewToken()
	if err != nil {
		t.Fatal(err)
	}
	token2, err := ParseToken(token.String())
	if err != nil {
		t.Fatal(err)
	}
	if token2 != token {
		t.Fatal("mismatch")
	}
	var decoded struct {
		Hash TokenHash `yaml:"hash"`
	}
	err = yaml.Unmarshal([]byte("hash: "+token.Hash().String()+"\n"), &decoded)
	if err != nil {
		t.Fatal(err)
	}
	if !decoded.Hash.Equal(*token.Hash()) {
		t.Fatal("mismatch")
	}
}

func TestParseTokenInvalid(t *testing.T) {
	for _, s := range []string{"", "abcd", "zz" + newTokenString(t)[2:]} {
		_, err := ParseToken(s)
		if err == nil {
			t.Fatalf("%q: expected error", s)
		}
	}
}

func newTokenString(t *testing.T) string {
	token, err := NewToken()
	if err != nil {
		t.Fatal(err)
	}
	return token.String()
}
