package tlsutil

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsure_GeneratesVerifiableChain(t *testing.T) {
	dir := t.TempDir()
	paths, err := Ensure(dir, []string{"10.0.1.50", "coordinator.internal"}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, PathsIn(dir), paths)

	ca := readCert(t, paths.CA)
	leaf := readCert(t, paths.Cert)
	assert.True(t, ca.IsCA)

	pool := x509.NewCertPool()
	pool.AddCert(ca)
	for _, host := range []string{"localhost", "127.0.0.1", "10.0.1.50", "coordinator.internal"} {
		_, err := leaf.Verify(x509.VerifyOptions{DNSName: host, Roots: pool})
		assert.NoError(t, err, host)
	}
	_, err = leaf.Verify(x509.VerifyOptions{DNSName: "other.example", Roots: pool})
	assert.Error(t, err)

	info, err := os.Stat(paths.Key)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEnsure_ReusesExisting(t *testing.T) {
	dir := t.TempDir()
	first, err := Ensure(dir, nil, 0)
	require.NoError(t, err)
	before, err := os.ReadFile(first.Cert)
	require.NoError(t, err)

	_, err = Ensure(dir, []string{"new-host"}, 0)
	require.NoError(t, err)
	after, err := os.ReadFile(first.Cert)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSubjectNames_Dedup(t *testing.T) {
	names := subjectNames([]string{"localhost", "a.example", "a.example", ""})
	assert.Equal(t, []string{"localhost", "127.0.0.1", "::1", "a.example"}, names[:4])
	seen := map[string]int{}
	for _, n := range names {
		seen[n]++
	}
	for n, c := range seen {
		assert.Equal(t, 1, c, n)
	}
}

func TestServerAndClient(t *testing.T) {
	paths, err := Ensure(t.TempDir(), nil, time.Hour)
	require.NoError(t, err)

	serverTLS, err := ServerConfig(paths)
	require.NoError(t, err)
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	srv.TLS = serverTLS
	srv.StartTLS()
	defer srv.Close()

	client, err := HTTPClient(paths.CA, 5*time.Second)
	require.NoError(t, err)
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// 不信任该 CA 的客户端握手失败
	_, err = http.DefaultClient.Get(srv.URL)
	assert.Error(t, err)
}

func TestHTTPClient_BadCAFile(t *testing.T) {
	path := t.TempDir() + "/ca.pem"
	require.NoError(t, os.WriteFile(path, []byte("not a cert"), 0o644))
	_, err := HTTPClient(path, time.Second)
	assert.Error(t, err)

	_, err = HTTPClient(path+".missing", time.Second)
	assert.Error(t, err)
}

func readCert(t *testing.T, path string) *x509.Certificate {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}
