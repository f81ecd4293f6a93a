package security

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/cockroachdb/errors"
)

// TLSConfig TLS 配置，入站监听与访问 https 实例共用
type TLSConfig struct {
	// CertFile 证书文件（服务端证书或 mTLS 客户端证书）
	CertFile string `mapstructure:"cert_file" json:"cert_file,omitempty"`
	KeyFile  string `mapstructure:"key_file" json:"key_file,omitempty"`
	// CAFile 服务端：校验客户端证书；客户端：校验服务端证书
	CAFile string `mapstructure:"ca_file" json:"ca_file,omitempty"`
	// MutualTLS 服务端要求客户端证书
	MutualTLS bool `mapstructure:"mutual_tls" json:"mutual_tls,omitempty"`
	// InsecureSkipVerify 跳过证书校验（仅限开发环境）
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify" json:"insecure_skip_verify,omitempty"`
	// ServerName 客户端校验服务端证书时使用的名称
	ServerName string `mapstructure:"server_name" json:"server_name,omitempty"`
	// MinVersion "1.2" 或 "1.3"
	MinVersion string `mapstructure:"min_version" json:"min_version,omitempty"`
}

func (c *TLSConfig) minVersion() uint16 {
	if c.MinVersion == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// NewServerTLSConfig 创建入站 TLS 配置
func NewServerTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	if cfg.CertFile == "" {
		return nil, ErrCertFileEmpty
	}
	if cfg.KeyFile == "" {
		return nil, ErrKeyFileEmpty
	}
	if cfg.MutualTLS && cfg.CAFile == "" {
		return nil, ErrCAFileEmpty
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "load server key pair"), ErrCertLoad)
	}
	out := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   cfg.minVersion(),
	}
	if cfg.MutualTLS {
		pool, err := loadCAPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		out.ClientCAs = pool
		out.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return out, nil
}

// NewClientTLSConfig 创建访问下游 https 实例的 TLS 配置
func NewClientTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	out := &tls.Config{
		MinVersion:         cfg.minVersion(),
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		ServerName:         cfg.ServerName,
	}
	if cfg.CAFile != "" {
		pool, err := loadCAPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		out.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "load client key pair"), ErrCertLoad)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "read %s", caFile), ErrCALoad)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, errors.Wrapf(ErrCALoad, "%s contains no certificates", caFile)
	}
	return pool, nil
}
