package credstore

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/flashkv/pkg/blockdev"
	"github.com/marmos91/flashkv/pkg/flash"
	"github.com/marmos91/flashkv/pkg/flash/sim"
	"github.com/marmos91/flashkv/pkg/flashfs"
)

type material struct {
	cert, key, pub []byte
}

func newMaterial(t *testing.T) material {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "flashkv-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	return material{
		cert: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		key:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
		pub:  pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}),
	}
}

func TestValidate(t *testing.T) {
	m := newMaterial(t)

	accepted := []struct {
		name string
		kind Kind
		data []byte
	}{
		{"device cert", KindDeviceCert, m.cert},
		{"root cert with trailing NUL", KindRootCert, append(append([]byte{}, m.cert...), 0)},
		{"private key", KindClaimPrivateKey, m.key},
		{"public key", KindDevicePublicKey, m.pub},
		{"code verify cert", KindCodeVerifyKey, m.cert},
	}
	for _, tt := range accepted {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, Validate(tt.kind, tt.data))
		})
	}

	rejected := []struct {
		name string
		kind Kind
		data []byte
	}{
		{"plain text", KindDeviceCert, []byte("broker.example.com")},
		{"missing end marker", KindDeviceCert, []byte("-----BEGIN CERTIFICATE-----\nAAAA\n")},
		{"key as cert", KindDeviceCert, m.key},
		{"cert as key", KindDevicePrivateKey, m.cert},
		{"garbage body", KindClaimCert, []byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n")},
		{"unknown kind", Kind(42), m.cert},
	}
	for _, tt := range rejected {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, Validate(tt.kind, tt.data), ErrProvisioningRejected)
		})
	}
}

func TestKindLabels(t *testing.T) {
	assert.Equal(t, "Device Cert", KindDeviceCert.Label())
	assert.Equal(t, "Device Priv TLS Key", KindDevicePrivateKey.Label())
	assert.Equal(t, "Claim Key", KindClaimPrivateKey.Label())

	for _, k := range Kinds {
		got, ok := KindForLabel(k.Label())
		require.True(t, ok)
		assert.Equal(t, k, got)

		hk, err := k.Handle().Kind()
		require.NoError(t, err)
		assert.Equal(t, k, hk)
	}

	_, err := InvalidHandle.Kind()
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

func newFlashFS(t *testing.T) *flashfs.FS {
	t.Helper()

	regions := []sim.Region{{Name: "data", Base: blockdev.DefaultBase, Size: 32 * 1024, EraseBlock: 64}}
	periph, err := sim.New(sim.Config{Regions: regions}, sim.NewMemoryImage(sim.ImageSize(regions)))
	require.NoError(t, err)
	s := flash.New(periph)
	require.NoError(t, s.Open())
	t.Cleanup(func() { _ = s.Close() })

	dev, err := blockdev.Open(s, blockdev.DefaultGeometry())
	require.NoError(t, err)
	fs, err := flashfs.Format(context.Background(), dev)
	require.NoError(t, err)
	return fs
}

func TestStores(t *testing.T) {
	backends := map[string]func(t *testing.T) Store{
		"file": func(t *testing.T) Store {
			return NewFileStore(newFlashFS(t))
		},
		"badger": func(t *testing.T) Store {
			s, err := OpenBadgerStore("")
			require.NoError(t, err)
			return s
		},
		"badger on disk": func(t *testing.T) Store {
			s, err := OpenBadgerStore(t.TempDir())
			require.NoError(t, err)
			return s
		},
	}

	m := newMaterial(t)
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			defer s.Close()

			_, err := s.Find(ctx, KindDeviceCert.Label())
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.Find(ctx, "No Such Label")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Provision(ctx, KindDeviceCert, m.cert))
			require.NoError(t, s.Provision(ctx, KindDevicePrivateKey, m.key))
			assert.ErrorIs(t, s.Provision(ctx, KindDevicePublicKey, []byte("nope")), ErrProvisioningRejected)

			h, err := s.Find(ctx, "Device Cert")
			require.NoError(t, err)
			assert.Equal(t, KindDeviceCert.Handle(), h)

			got, err := s.Read(ctx, h)
			require.NoError(t, err)
			assert.Equal(t, m.cert, got)

			got, err = ReadKind(ctx, s, KindDevicePrivateKey)
			require.NoError(t, err)
			assert.Equal(t, m.key, got)

			_, err = ReadKind(ctx, s, KindDevicePublicKey)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Destroy(ctx, h))
			_, err = s.Read(ctx, h)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.Destroy(ctx, h), ErrNotFound)
		})
	}
}

func TestStores_TrailingNULNotStored(t *testing.T) {
	ctx := context.Background()
	m := newMaterial(t)

	s, err := OpenBadgerStore("")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Provision(ctx, KindRootCert, append(append([]byte{}, m.cert...), 0)))
	got, err := ReadKind(ctx, s, KindRootCert)
	require.NoError(t, err)
	assert.Equal(t, m.cert, got)

	labels, err := s.Labels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Root Cert"}, labels)
}
