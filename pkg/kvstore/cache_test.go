package kvstore

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/flashkv/pkg/blockdev"
	"github.com/marmos91/flashkv/pkg/credstore"
	"github.com/marmos91/flashkv/pkg/flash"
	"github.com/marmos91/flashkv/pkg/flash/sim"
	"github.com/marmos91/flashkv/pkg/flashfs"
)

type fixture struct {
	periph *sim.Device
	fs     *flashfs.FS
	creds  *credstore.BadgerStore
}

func newFixture(t *testing.T) *fixture {
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

	creds, err := credstore.OpenBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = creds.Close() })

	return &fixture{periph: periph, fs: fs, creds: creds}
}

func (f *fixture) cache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	c := New(f.fs, f.creds, opts...)
	require.NoError(t, c.Initialize(context.Background()))
	return c
}

func certPEM(t *testing.T) []byte {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "thing"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestCache_CommitAndReload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.cache(t)

	changed, err := c.Set(ctx, KeyMQTTEndpoint, []byte("broker.example.com"))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, c.Dirty(KeyMQTTEndpoint))

	require.NoError(t, c.Commit(ctx))
	assert.False(t, c.Dirty(KeyMQTTEndpoint))

	raw, err := f.fs.ReadFile(ctx, "mqtt_endpoint")
	require.NoError(t, err)
	assert.Equal(t, "broker.example.com", string(raw))

	reloaded := f.cache(t)
	v, err := reloaded.Get(ctx, KeyMQTTEndpoint)
	require.NoError(t, err)
	assert.Equal(t, "broker.example.com", v.String())
	assert.False(t, v.Dirty)
}

func TestCache_CleanCommitIssuesNoWrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.cache(t)

	erases, writes := f.periph.Counts()
	require.NoError(t, c.Commit(ctx))
	e2, w2 := f.periph.Counts()
	assert.Equal(t, erases, e2)
	assert.Equal(t, writes, w2)
}

func TestCache_IdenticalSetIsNotDirty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.cache(t)

	_, err := c.Set(ctx, KeyThingName, []byte("thing-01"))
	require.NoError(t, err)
	require.NoError(t, c.Commit(ctx))

	changed, err := c.Set(ctx, KeyThingName, []byte("thing-01"))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.False(t, c.Dirty(KeyThingName))

	_, writes := f.periph.Counts()
	require.NoError(t, c.Commit(ctx))
	_, after := f.periph.Counts()
	assert.Equal(t, writes, after)
}

func TestCache_InlineAndHeapStorage(t *testing.T) {
	ctx := context.Background()
	c := newFixture(t).cache(t)

	_, err := c.Set(ctx, KeyTemplateName, []byte("short"))
	require.NoError(t, err)
	assert.IsType(t, &inline{}, c.table[KeyTemplateName].data)

	long := bytes.Repeat([]byte("L"), 40)
	_, err = c.Set(ctx, KeyTemplateName, long)
	require.NoError(t, err)
	h, ok := c.table[KeyTemplateName].data.(*heap)
	require.True(t, ok)
	assert.Equal(t, long, h.buf)

	// A smaller heap value reuses the buffer.
	_, err = c.Set(ctx, KeyTemplateName, bytes.Repeat([]byte("M"), 20))
	require.NoError(t, err)
	h2, ok := c.table[KeyTemplateName].data.(*heap)
	require.True(t, ok)
	assert.Same(t, h, h2)
	assert.Len(t, h2.buf, 20)

	// A larger one allocates.
	_, err = c.Set(ctx, KeyTemplateName, bytes.Repeat([]byte("N"), 64))
	require.NoError(t, err)
	assert.Len(t, c.table[KeyTemplateName].bytes(), 64)

	v, err := c.Get(ctx, KeyTemplateName)
	require.NoError(t, err)
	v.Data[0] = 'x'
	assert.Equal(t, byte('N'), c.table[KeyTemplateName].bytes()[0])

	var snap Entry
	for _, e := range c.Snapshot() {
		if e.Key == KeyTemplateName {
			snap = e
		}
	}
	assert.False(t, snap.Inline)
	assert.Equal(t, 64, snap.Length)
	assert.True(t, snap.Dirty)
}

func TestCache_Rejections(t *testing.T) {
	ctx := context.Background()
	c := newFixture(t).cache(t)

	_, err := c.Set(ctx, KeyThingName, make([]byte, MaxValueLen+1))
	assert.ErrorIs(t, err, ErrValueTooLarge)
	_, err = c.Set(ctx, KeyThingName, make([]byte, MaxValueLen))
	assert.NoError(t, err)

	_, err = c.Set(ctx, NumKeys, []byte("x"))
	assert.ErrorIs(t, err, ErrUnknownKey)
	_, err = c.Get(ctx, Key(-1))
	assert.ErrorIs(t, err, ErrUnknownKey)

	_, err = c.Get(ctx, KeyHardwareClientPrivateKey)
	assert.ErrorIs(t, err, ErrHardwareKey)
	_, err = c.Set(ctx, KeyHardwareRootCAPublicKey, []byte("1"))
	assert.ErrorIs(t, err, ErrHardwareKey)
}

func TestCache_CredentialsRouteToStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.cache(t)
	cert := certPEM(t)

	_, err := c.Set(ctx, KeyDeviceCert, cert)
	require.NoError(t, err)
	require.NoError(t, c.Commit(ctx))

	_, err = f.fs.Stat(ctx, KeyDeviceCert.Name())
	assert.ErrorIs(t, err, flashfs.ErrNotExist)

	stored, err := credstore.ReadKind(ctx, f.creds, credstore.KindDeviceCert)
	require.NoError(t, err)
	assert.Equal(t, cert, stored)
}

func TestCache_CredentialsLoadLazily(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cert := certPEM(t)
	require.NoError(t, f.creds.Provision(ctx, credstore.KindClaimCert, cert))

	c := f.cache(t)
	for _, e := range c.Snapshot() {
		if e.Key == KeyClaimCert {
			assert.False(t, e.Loaded)
			assert.Zero(t, e.Length)
		}
	}

	v, err := c.Get(ctx, KeyClaimCert)
	require.NoError(t, err)
	assert.Equal(t, cert, v.Data)
	assert.False(t, v.Dirty)

	v, err = c.Get(ctx, KeyDevicePrivateKey)
	require.NoError(t, err)
	assert.True(t, v.Empty())

	changed, err := c.Set(ctx, KeyClaimCert, cert)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestCache_CommitIsBestEffort(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.cache(t)

	_, err := c.Set(ctx, KeyThingName, []byte("thing-01"))
	require.NoError(t, err)
	_, err = c.Set(ctx, KeyDeviceCert, []byte("not a certificate"))
	require.NoError(t, err)
	_, err = c.Set(ctx, KeyClaimPrivateKey, []byte("not a key either"))
	require.NoError(t, err)
	_, err = c.Set(ctx, KeyCodeSignCert, []byte("signer"))
	require.NoError(t, err)

	err = c.Commit(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommitFailed)
	assert.ErrorIs(t, err, credstore.ErrProvisioningRejected)
	assert.Contains(t, err.Error(), KeyDeviceCert.Name())
	assert.Contains(t, err.Error(), KeyClaimPrivateKey.Name())

	assert.False(t, c.Dirty(KeyThingName))
	assert.False(t, c.Dirty(KeyCodeSignCert))
	assert.True(t, c.Dirty(KeyDeviceCert))
	assert.True(t, c.Dirty(KeyClaimPrivateKey))

	raw, err := f.fs.ReadFile(ctx, KeyCodeSignCert.Name())
	require.NoError(t, err)
	assert.Equal(t, "signer", string(raw))
}

func TestCache_ClearRemovesPersistedCopy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.cache(t)

	_, err := c.Set(ctx, KeyRootCA, []byte("root-ca-id"))
	require.NoError(t, err)
	require.NoError(t, c.Commit(ctx))

	changed, err := c.Clear(ctx, KeyRootCA)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NoError(t, c.Commit(ctx))

	_, err = f.fs.ReadFile(ctx, KeyRootCA.Name())
	assert.ErrorIs(t, err, flashfs.ErrNotExist)

	changed, err = c.Set(ctx, KeyRootCA, nil)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestCache_TypedValues(t *testing.T) {
	ctx := context.Background()
	c := newFixture(t).cache(t)

	_, err := c.SetInt32(ctx, KeyTemplateName, -42)
	require.NoError(t, err)
	v, err := c.Get(ctx, KeyTemplateName)
	require.NoError(t, err)
	n, err := v.Int32()
	require.NoError(t, err)
	assert.Equal(t, int32(-42), n)
	assert.Equal(t, "-42", v.String())

	_, err = v.Uint32()
	assert.ErrorIs(t, err, ErrKindMismatch)

	// Same bytes, different kind: still a change.
	changed, err := c.SetUint32(ctx, KeyTemplateName, uint32(0xFFFFFFD6))
	require.NoError(t, err)
	assert.True(t, changed)
	v, _ = c.Get(ctx, KeyTemplateName)
	u, err := v.Uint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xFFFFFFD6), u)
}

func TestLookup(t *testing.T) {
	tests := map[string]Key{
		"thingname":          KeyThingName,
		"endpoint":           KeyMQTTEndpoint,
		"mqtt_endpoint":      KeyMQTTEndpoint,
		"cert":               KeyDeviceCert,
		"Device Cert":        KeyDeviceCert,
		"key":                KeyDevicePrivateKey,
		"pub":                KeyDevicePublicKey,
		"rootca":             KeyRootCA,
		"template":           KeyTemplateName,
		"claimcert":          KeyClaimCert,
		"claimkey":           KeyClaimPrivateKey,
		"codesigncert":       KeyCodeSignCert,
		"tsiprootkey":        KeyHardwareRootCAPublicKey,
		"tsippubkey":         KeyHardwareClientPublicKey,
		"tsipprikey":         KeyHardwareClientPrivateKey,
		"tsip_client_pri_id": KeyHardwareClientPrivateKey,
	}
	for name, want := range tests {
		got, err := Lookup(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := Lookup("keyboard")
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestValue_Printable(t *testing.T) {
	assert.True(t, Value{Kind: KindString, Data: []byte("-----BEGIN X-----\r\nabc\n")}.Printable())
	assert.True(t, Value{Kind: KindString, Data: []byte("root\x00")}.Printable())
	assert.False(t, Value{Kind: KindString, Data: []byte{0x30, 0x82, 0x01}}.Printable())
}

type recordingMetrics struct {
	mu      sync.Mutex
	sets    map[string]int
	commits int
	written int
	dirty   int
}

func (m *recordingMetrics) ObserveSet(key string, changed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if changed {
		m.sets[key]++
	}
}

func (m *recordingMetrics) ObserveCommit(written, failed int, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits++
	m.written += written
}

func (m *recordingMetrics) SetDirtyEntries(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty = n
}

func TestCache_Metrics(t *testing.T) {
	ctx := context.Background()
	m := &recordingMetrics{sets: map[string]int{}}
	c := newFixture(t).cache(t, WithMetrics(m))

	_, _ = c.Set(ctx, KeyThingName, []byte("a"))
	_, _ = c.Set(ctx, KeyThingName, []byte("a"))
	_, _ = c.Set(ctx, KeyMQTTEndpoint, []byte("b"))
	assert.Equal(t, 2, m.dirty)

	require.NoError(t, c.Commit(ctx))
	assert.Equal(t, 1, m.sets["thing_name"])
	assert.Equal(t, 1, m.commits)
	assert.Equal(t, 2, m.written)
	assert.Equal(t, 0, m.dirty)
}
