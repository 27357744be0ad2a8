package signature

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/grantledger/milestones/pkg/cache"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testSigner struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newTestSigner(t *testing.T) testSigner {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return testSigner{pub: pub, priv: priv}
}

func (s testSigner) signObject(t *testing.T, payload any) SignedPayload {
	t.Helper()
	digest, err := ObjectDigest(payload)
	require.NoError(t, err)
	return s.sign(digest)
}

func (s testSigner) signString(payload string) SignedPayload {
	return s.sign(StringDigest(payload))
}

func (s testSigner) sign(digest []byte) SignedPayload {
	return SignedPayload{
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, digest)),
		PublicKey: FormatPublicKey(s.pub),
	}
}

type submission struct {
	GithubURL string `json:"githubUrl"`
	Comments  string `json:"comments"`
}

func TestVerifyObject(t *testing.T) {
	alice := newTestSigner(t)
	mallory := newTestSigner(t)
	keys := StaticKeyResolver{"alice.near": {FormatPublicKey(alice.pub)}}
	v := NewVerifier(keys, nil)
	ctx := context.Background()

	payload := submission{GithubURL: "https://github.com/alice/repo", Comments: "done"}

	t.Run("valid", func(t *testing.T) {
		ok, err := v.VerifyObject(ctx, alice.signObject(t, payload), payload, "alice.near")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("different payload", func(t *testing.T) {
		signed := alice.signObject(t, submission{GithubURL: "https://github.com/alice/other"})
		ok, err := v.VerifyObject(ctx, signed, payload, "alice.near")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("key not bound to identity", func(t *testing.T) {
		ok, err := v.VerifyObject(ctx, mallory.signObject(t, payload), payload, "alice.near")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("wrong identity", func(t *testing.T) {
		ok, err := v.VerifyObject(ctx, alice.signObject(t, payload), payload, "bob.near")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("key order in the signed rendering is irrelevant", func(t *testing.T) {
		signed := alice.signObject(t, map[string]any{"comments": "done", "githubUrl": "https://github.com/alice/repo"})
		ok, err := v.VerifyObject(ctx, signed, payload, "alice.near")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestVerifyObject_MalformedInputReturnsFalse(t *testing.T) {
	alice := newTestSigner(t)
	v := NewVerifier(StaticKeyResolver{"alice.near": {FormatPublicKey(alice.pub)}}, nil)
	ctx := context.Background()
	good := alice.signObject(t, map[string]string{"a": "b"})

	tests := []struct {
		name    string
		signed  SignedPayload
		payload any
	}{
		{"empty envelope", SignedPayload{}, map[string]string{"a": "b"}},
		{"bad base64 signature", SignedPayload{Signature: "%%%", PublicKey: good.PublicKey}, map[string]string{"a": "b"}},
		{"short signature", SignedPayload{Signature: base64.StdEncoding.EncodeToString([]byte("short")), PublicKey: good.PublicKey}, map[string]string{"a": "b"}},
		{"unknown curve", SignedPayload{Signature: good.Signature, PublicKey: "secp256k1:abc"}, map[string]string{"a": "b"}},
		{"garbage key", SignedPayload{Signature: good.Signature, PublicKey: "ed25519:0OIl"}, map[string]string{"a": "b"}},
		{"unencodable payload", good, func() {}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := v.VerifyObject(ctx, tt.signed, tt.payload, "alice.near")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestVerifyString(t *testing.T) {
	alice := newTestSigner(t)
	v := NewVerifier(StaticKeyResolver{"alice.near": {FormatPublicKey(alice.pub)}}, nil)
	ctx := context.Background()
	url := "https://calendly.com/events/abc"

	ok, err := v.VerifyString(ctx, alice.signString(url), url, "alice.near")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.VerifyString(ctx, alice.signString(url), "https://calendly.com/events/evil", "alice.near")
	require.NoError(t, err)
	assert.False(t, ok)
}

type failingResolver struct{}

func (failingResolver) AccessKeys(context.Context, string) ([]string, error) {
	return nil, errors.New("rpc down")
}

func TestVerify_ResolverErrorIsReturned(t *testing.T) {
	alice := newTestSigner(t)
	v := NewVerifier(failingResolver{}, nil)

	ok, err := v.VerifyString(context.Background(), alice.signString("x"), "x", "alice.near")
	assert.Error(t, err)
	assert.False(t, ok)
}

type countingResolver struct {
	calls atomic.Int32
	keys  []string
}

func (c *countingResolver) AccessKeys(context.Context, string) ([]string, error) {
	c.calls.Add(1)
	time.Sleep(10 * time.Millisecond)
	return c.keys, nil
}

func TestCachingKeyResolver(t *testing.T) {
	inner := &countingResolver{keys: []string{"ed25519:k"}}
	r := NewCachingKeyResolver(inner, cache.Config{TTL: time.Minute, MaxSize: 10})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			keys, err := r.AccessKeys(context.Background(), "alice.near")
			assert.NoError(t, err)
			assert.Equal(t, []string{"ed25519:k"}, keys)
		}()
	}
	wg.Wait()

	assert.Less(t, inner.calls.Load(), int32(8))

	cached := inner.calls.Load()
	_, err := r.AccessKeys(context.Background(), "alice.near")
	require.NoError(t, err)
	assert.Equal(t, cached, inner.calls.Load())

	r.Forget("alice.near")
	before := inner.calls.Load()
	_, err = r.AccessKeys(context.Background(), "alice.near")
	require.NoError(t, err)
	assert.Equal(t, before+1, inner.calls.Load())
}

func TestVerify_RefreshesCachedKeysOnUnknownKey(t *testing.T) {
	alice := newTestSigner(t)
	added := newTestSigner(t)
	inner := &countingResolver{keys: []string{FormatPublicKey(alice.pub)}}
	v := NewVerifier(NewCachingKeyResolver(inner, cache.Config{TTL: time.Minute, MaxSize: 10}), nil)
	ctx := context.Background()

	ok, err := v.VerifyString(ctx, alice.signString("x"), "x", "alice.near")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int32(1), inner.calls.Load())

	inner.keys = []string{FormatPublicKey(alice.pub), FormatPublicKey(added.pub)}
	ok, err = v.VerifyString(ctx, added.signString("x"), "x", "alice.near")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(2), inner.calls.Load())

	stranger := newTestSigner(t)
	ok, err = v.VerifyString(ctx, stranger.signString("x"), "x", "alice.near")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestParsePublicKey(t *testing.T) {
	alice := newTestSigner(t)
	formatted := FormatPublicKey(alice.pub)

	got, err := ParsePublicKey(formatted)
	require.NoError(t, err)
	assert.Equal(t, alice.pub, got)

	bare, err := ParsePublicKey(formatted[len("ed25519:"):])
	require.NoError(t, err)
	assert.Equal(t, alice.pub, bare)

	_, err = ParsePublicKey("ed25519:")
	assert.ErrorIs(t, err, ErrMalformedKey)
}
