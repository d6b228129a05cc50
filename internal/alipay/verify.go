package alipay

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"sort"
	"strings"

	"log/slog"
)

// SignTypeRSA2 is the only signature scheme accepted on notify callbacks.
const SignTypeRSA2 = "RSA2"

// Verifier checks RSA2 signatures on Alipay asynchronous notifications.
type Verifier struct {
	logger    *slog.Logger
	publicKey *rsa.PublicKey
}

// NewVerifier creates a verifier from a public key string. The key may be a
// PEM block or the bare base64 DER body Alipay shows in its console. An empty
// key yields a verifier that rejects everything.
func NewVerifier(publicKey string, logger *slog.Logger) (*Verifier, error) {
	v := &Verifier{logger: logger.With("component", "alipay_verify")}
	publicKey = strings.TrimSpace(publicKey)
	if publicKey == "" {
		return v, nil
	}
	key, err := parsePublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("parse alipay public key: %w", err)
	}
	v.publicKey = key
	return v, nil
}

// Configured reports whether a public key was loaded.
func (v *Verifier) Configured() bool {
	return v.publicKey != nil
}

// Verify checks the base64 signature against the sign content built from
// params. It never returns an error; any failure means the signature does not
// verify.
func (v *Verifier) Verify(params map[string]string, signature string) bool {
	if v.publicKey == nil {
		v.logger.Error("verification requested but no public key is configured")
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		v.logger.Warn("signature is not valid base64", "error", err)
		return false
	}
	content := BuildSignContent(params)
	digest := sha256.Sum256([]byte(content))
	if err := rsa.VerifyPKCS1v15(v.publicKey, crypto.SHA256, digest[:], sig); err != nil {
		return false
	}
	return true
}

// BuildSignContent assembles the canonical string Alipay signs: parameters
// sorted by key, empty values dropped, sign and sign_type excluded, joined as
// key=value pairs with '&'.
func BuildSignContent(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for key, value := range params {
		if key == "sign" || key == "sign_type" || value == "" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, key := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(params[key])
	}
	return b.String()
}

func parsePublicKey(raw string) (*rsa.PublicKey, error) {
	var der []byte
	if block, _ := pem.Decode([]byte(raw)); block != nil {
		der = block.Bytes
	} else {
		compact := strings.Map(func(r rune) rune {
			switch r {
			case ' ', '\n', '\r', '\t':
				return -1
			}
			return r
		}, raw)
		decoded, err := base64.StdEncoding.DecodeString(compact)
		if err != nil {
			return nil, fmt.Errorf("decode base64 key body: %w", err)
		}
		der = decoded
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse PKIX key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want RSA", parsed)
	}
	return key, nil
}
