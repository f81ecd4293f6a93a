package security

import "github.com/cockroachdb/errors"

// 配置错误
var (
	ErrNoIssuer       = errors.New("security: at least one trusted issuer is required")
	ErrInvalidIssuer  = errors.New("security: invalid issuer config")
	ErrKeySetFetch    = errors.New("security: failed to fetch key set")
	ErrKeyNotFound    = errors.New("security: signing key not found")
	ErrUnsupportedKey = errors.New("security: unsupported key")
)

// TLS 错误
var (
	ErrCertFileEmpty = errors.New("security: cert file is empty")
	ErrKeyFileEmpty  = errors.New("security: key file is empty")
	ErrCAFileEmpty   = errors.New("security: CA file is empty for mTLS")
	ErrCertLoad      = errors.New("security: failed to load certificate")
	ErrCALoad        = errors.New("security: failed to load CA certificate")
)

// IP 过滤错误
var (
	ErrIPInvalid   = errors.New("security: invalid IP address")
	ErrCIDRInvalid = errors.New("security: invalid CIDR")
	ErrIPListEmpty = errors.New("security: IP list is empty")
)
