// Package tlsutil 协调器 HTTPS 证书
//
// 未提供证书时在 CertDir 下生成自签名 CA 与服务端证书；Agent 与 fleetctl
// 通过 CA 文件信任协调器。
package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const (
	organization = "Fleet Coordinator"
	caValidity   = 10 * 365 * 24 * time.Hour
	// DefaultValidity 服务端证书默认有效期
	DefaultValidity = 365 * 24 * time.Hour
)

// Paths 证书文件位置
type Paths struct {
	CA   string
	Cert string
	Key  string
}

// PathsIn 返回 dir 下的标准文件名
func PathsIn(dir string) Paths {
	return Paths{
		CA:   filepath.Join(dir, "ca.pem"),
		Cert: filepath.Join(dir, "coordinator.pem"),
		Key:  filepath.Join(dir, "coordinator-key.pem"),
	}
}

func (p Paths) complete() bool {
	for _, f := range []string{p.CA, p.Cert, p.Key} {
		if _, err := os.Stat(f); err != nil {
			return false
		}
	}
	return true
}

// Ensure 证书不存在时生成；hosts 为额外的 SAN（localhost 始终包含）
func Ensure(dir string, hosts []string, validity time.Duration) (Paths, error) {
	paths := PathsIn(dir)
	if paths.complete() {
		log.Printf("[tls.certs] reuse dir=%s", dir)
		return paths, nil
	}
	if validity <= 0 {
		validity = DefaultValidity
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return paths, fmt.Errorf("create cert dir: %w", err)
	}

	caKey, caCert, caDER, err := newCA()
	if err != nil {
		return paths, err
	}
	sans := subjectNames(hosts)
	leafKey, leafDER, err := newLeaf(caKey, caCert, sans, validity)
	if err != nil {
		return paths, err
	}
	keyDER, err := x509.MarshalECPrivateKey(leafKey)
	if err != nil {
		return paths, fmt.Errorf("marshal key: %w", err)
	}

	for _, f := range []struct {
		path string
		typ  string
		der  []byte
		perm os.FileMode
	}{
		{paths.CA, "CERTIFICATE", caDER, 0o644},
		{paths.Cert, "CERTIFICATE", leafDER, 0o644},
		{paths.Key, "EC PRIVATE KEY", keyDER, 0o600},
	} {
		if err := writePEM(f.path, f.typ, f.der, f.perm); err != nil {
			return paths, fmt.Errorf("write %s: %w", f.path, err)
		}
	}
	log.Printf("[tls.certs] generated dir=%s sans=%v valid_for=%s", dir, sans, validity)
	return paths, nil
}

func newSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

func newCA() (*ecdsa.PrivateKey, *x509.Certificate, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generate CA key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, nil, nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{organization}, CommonName: organization + " CA"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create CA cert: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse CA cert: %w", err)
	}
	return key, cert, der, nil
}

func newLeaf(caKey *ecdsa.PrivateKey, ca *x509.Certificate, sans []string, validity time.Duration) (*ecdsa.PrivateKey, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{organization}, CommonName: "coordinator"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range sans {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create cert: %w", err)
	}
	return key, der, nil
}

// subjectNames 去重后的 SAN 列表，总是包含回环地址和本机名
func subjectNames(hosts []string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(h string) {
		if h != "" && !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	for _, h := range []string{"localhost", "127.0.0.1", "::1"} {
		add(h)
	}
	for _, h := range hosts {
		add(h)
	}
	if name, err := os.Hostname(); err == nil {
		add(name)
	}
	return out
}

func writePEM(path, typ string, der []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: typ, Bytes: der})
}

// ============================================================================
// tls.Config
// ============================================================================

// ServerConfig 加载服务端证书
func ServerConfig(paths Paths) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(paths.Cert, paths.Key)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// HTTPClient 信任 caFile 签发证书的 HTTP 客户端
func HTTPClient(caFile string, timeout time.Duration) (*http.Client, error) {
	pemData, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
		},
	}, nil
}
