package valkey

import (
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	grants "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/security"
)

// offlineStore returns a store without a connection, for encoding tests
func offlineStore(t *testing.T, key []byte) *Store {
	t.Helper()
	s := NewWithClient(nil, Config{KeyPrefix: "unit:"})
	if key != nil {
		enc, err := security.NewEncryptor(key)
		require.NoError(t, err)
		s.SetEncryptor(enc)
	}
	return s
}

func testRecord() record {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return record{
		Grant: grants.Grant{
			OwnerID:     "owner",
			ClientID:    "client",
			Scope:       grants.NewScope("read", "write"),
			RedirectURI: "https://app/cb",
			IssuedAt:    now,
			Until:       now.Add(time.Hour),
			Extensions:  map[string]string{"pkce": "S256"},
		},
		ExpiresAt: now.Add(10 * time.Minute),
	}
}

func TestRecordRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		key  []byte
	}{
		{name: "plaintext", key: nil},
		{name: "encrypted", key: make([]byte, security.KeySize)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := offlineStore(t, tt.key)
			rec := testRecord()
			key := s.refreshKey("tok")

			value, err := s.encode(rec, key)
			require.NoError(t, err)

			got, err := s.decode(value, key)
			require.NoError(t, err)
			assert.True(t, got.Grant.Equal(rec.Grant), "grant changed: %+v", got.Grant)
			assert.True(t, got.ExpiresAt.Equal(rec.ExpiresAt))
		})
	}
}

func TestRecordPlaintextIsJSON(t *testing.T) {
	s := offlineStore(t, nil)
	value, err := s.encode(testRecord(), s.codeKey("c"))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(value), &decoded))
	grant, ok := decoded["grant"].(map[string]any)
	require.True(t, ok, "grant field missing: %s", value)
	assert.Equal(t, "read write", grant["scope"])
}

func TestRecordEncryptionBindsKey(t *testing.T) {
	s := offlineStore(t, []byte("0123456789abcdef0123456789abcdef"))

	value, err := s.encode(testRecord(), s.accessKey("one"))
	require.NoError(t, err)
	assert.NotContains(t, value, "owner", "encrypted record leaks plaintext")

	// A value moved to another key must not decode
	_, err = s.decode(value, s.accessKey("two"))
	assert.Error(t, err)
	_, err = s.decode(value, s.refreshKey("one"))
	assert.Error(t, err)
}

func TestRecordZeroExpiryOmitted(t *testing.T) {
	s := offlineStore(t, nil)
	rec := testRecord()
	rec.ExpiresAt = time.Time{}

	value, err := s.encode(rec, s.refreshKey("r"))
	require.NoError(t, err)
	assert.NotContains(t, value, "expires_at")

	got, err := s.decode(value, s.refreshKey("r"))
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.IsZero())
}

func TestTTLMillis(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := offlineStore(t, nil)
	s.SetClock(func() time.Time { return now })

	assert.Equal(t, int64(0), s.ttlMillis(time.Time{}))
	assert.Equal(t, int64(1500), s.ttlMillis(now.Add(1500*time.Millisecond)))
	assert.Equal(t, int64(1), s.ttlMillis(now.Add(-time.Second)))
}

func TestKeyLayout(t *testing.T) {
	s := offlineStore(t, nil)
	assert.Equal(t, "unit:code:abc", s.codeKey("abc"))
	assert.Equal(t, "unit:access:abc", s.accessKey("abc"))
	assert.Equal(t, "unit:refresh:abc", s.refreshKey("abc"))
	assert.Equal(t, "unit:refresh-access:abc", s.pairedAccessKey("abc"))

	assert.Equal(t, DefaultKeyPrefix+"code:x", NewWithClient(nil, Config{}).codeKey("x"))
}

func TestStoreSettingsConcurrent(t *testing.T) {
	s := offlineStore(t, nil)
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.SetLogger(slog.New(slog.DiscardHandler))
			s.SetClock(func() time.Time { return fixed.Add(time.Duration(i) * time.Second) })
		}()
		go func() {
			defer wg.Done()
			_ = s.log()
			_ = s.now()
			_, err := s.encode(testRecord(), s.accessKey("abc"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	s.SetClock(func() time.Time { return fixed })
	assert.Equal(t, fixed, s.now())
	assert.NotNil(t, s.log())
}
