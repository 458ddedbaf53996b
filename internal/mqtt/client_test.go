package mqtt

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saferelay/internal/types"
)

// writeTestCert writes a self-signed certificate and key pair into dir and
// returns their paths.
func writeTestCert(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "cert.pem")
	certOut, err := os.Create(certPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certOut.Close())

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyPath = filepath.Join(dir, "key.pem")
	keyOut, err := os.Create(keyPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	require.NoError(t, keyOut.Close())

	return certPath, keyPath
}

func TestNewClientValidation(t *testing.T) {
	t.Run("broker URL is required", func(t *testing.T) {
		_, err := NewClient(Options{}, types.NopLogger{})
		var aerr *types.AppError
		require.ErrorAs(t, err, &aerr)
		assert.Equal(t, types.ErrCodeConfigInvalid, aerr.Code)
	})

	t.Run("unreachable broker is a transient error", func(t *testing.T) {
		_, err := NewClient(Options{
			BrokerURL:      "tcp://127.0.0.1:1",
			ClientIDPrefix: "test",
			ConnectTimeout: 200 * time.Millisecond,
		}, types.NopLogger{})
		require.Error(t, err)
		assert.True(t, types.IsRetryable(err))
	})
}

func TestBuildTLSConfig(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTestCert(t, dir)

	t.Run("tls with CA file", func(t *testing.T) {
		cfg, err := buildTLSConfig(Options{Security: SecurityTLS, CAFile: certPath})
		require.NoError(t, err)
		assert.NotNil(t, cfg.RootCAs)
		assert.Empty(t, cfg.Certificates)
	})

	t.Run("tls without CA file uses the system pool", func(t *testing.T) {
		cfg, err := buildTLSConfig(Options{Security: SecurityTLS})
		require.NoError(t, err)
		assert.Nil(t, cfg.RootCAs)
	})

	t.Run("missing CA file", func(t *testing.T) {
		_, err := buildTLSConfig(Options{Security: SecurityTLS, CAFile: filepath.Join(dir, "absent.pem")})
		assert.Error(t, err)
	})

	t.Run("garbage CA file", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.pem")
		require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0o600))
		_, err := buildTLSConfig(Options{Security: SecurityTLS, CAFile: bad})
		assert.Error(t, err)
	})

	t.Run("mtls loads the client keypair", func(t *testing.T) {
		cfg, err := buildTLSConfig(Options{
			Security: SecurityMTLS,
			CAFile:   certPath,
			CertFile: certPath,
			KeyFile:  keyPath,
		})
		require.NoError(t, err)
		assert.Len(t, cfg.Certificates, 1)
	})

	t.Run("mtls requires cert and key", func(t *testing.T) {
		_, err := buildTLSConfig(Options{Security: SecurityMTLS, CertFile: certPath})
		var aerr *types.AppError
		require.ErrorAs(t, err, &aerr)
		assert.Equal(t, types.ErrCodeConfigInvalid, aerr.Code)
	})
}
