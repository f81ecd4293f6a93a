package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"math/big"

	"github.com/cockroachdb/errors"
)

// jwk 单个 JSON Web Key（只保留验签所需字段）
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	// RSA
	N string `json:"n"`
	E string `json:"e"`
	// EC
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// jwkSet JWKS 文档
type jwkSet struct {
	Keys []jwk `json:"keys"`
}

func decodeBigInt(s string) (*big.Int, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

// publicKey 转换为验签公钥
func (k jwk) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := decodeBigInt(k.N)
		if err != nil {
			return nil, errors.Wrapf(ErrUnsupportedKey, "kid %s: bad modulus", k.Kid)
		}
		e, err := decodeBigInt(k.E)
		if err != nil || !e.IsInt64() {
			return nil, errors.Wrapf(ErrUnsupportedKey, "kid %s: bad exponent", k.Kid)
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil

	case "EC":
		var curve elliptic.Curve
		switch k.Crv {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		case "P-521":
			curve = elliptic.P521()
		default:
			return nil, errors.Wrapf(ErrUnsupportedKey, "kid %s: curve %q", k.Kid, k.Crv)
		}
		x, err := decodeBigInt(k.X)
		if err != nil {
			return nil, errors.Wrapf(ErrUnsupportedKey, "kid %s: bad x", k.Kid)
		}
		y, err := decodeBigInt(k.Y)
		if err != nil {
			return nil, errors.Wrapf(ErrUnsupportedKey, "kid %s: bad y", k.Kid)
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil

	default:
		return nil, errors.Wrapf(ErrUnsupportedKey, "kid %s: kty %q", k.Kid, k.Kty)
	}
}
