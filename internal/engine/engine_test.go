package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDrawRandomPorts(t *testing.T) {
	for i := 0; i < 50; i++ {
		e := &Engine{}
		require.NoError(t, e.drawRandomPorts())

		for _, p := range e.randPorts {
			require.GreaterOrEqual(t, p, uint16(1025))
			require.LessOrEqual(t, p, uint16(65534))
		}
		require.NotEqual(t, e.randPorts[0], e.randPorts[2],
			"tls port must differ from tcp port")
	}
}

func TestEnsureClientCertGeneratesAndReloads(t *testing.T) {
	dir := t.TempDir()

	cfg, err := ensureClientCert(dir)
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)

	crt, err := os.ReadFile(filepath.Join(dir, "client.crt"))
	require.NoError(t, err)

	// A second call must reuse the pair, not regenerate it.
	_, err = ensureClientCert(dir)
	require.NoError(t, err)
	crt2, err := os.ReadFile(filepath.Join(dir, "client.crt"))
	require.NoError(t, err)
	require.Equal(t, crt, crt2)
}

func TestAcquireLockWritesVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "version")

	f, err := acquireLock(path, 1, 0)
	require.NoError(t, err)
	defer f.Close()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 0}, b[:2])
}

func TestAcquireLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "version")

	f, err := acquireLock(path, 1, 0)
	require.NoError(t, err)
	defer f.Close()

	_, err = acquireLock(path, 1, 0)
	require.Error(t, err, "a second instance must be refused")
}
