package trust

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileIsEmpty(t *testing.T) {
	db, err := Load(filepath.Join(t.TempDir(), "trustdb.xml"))
	require.NoError(t, err)
	assert.False(t, db.IsTrusted("ABCD", "example.com"))
}

func TestTrustRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trustdb.xml")
	db, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, db.Trust("ABCD1234", "example.com"))
	assert.True(t, db.IsTrusted("ABCD1234", "example.com"))
	assert.False(t, db.IsTrusted("ABCD1234", "other.com"))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.True(t, reloaded.IsTrusted("ABCD1234", "example.com"))
}

func TestSplitSignatureTrailerNoSignature(t *testing.T) {
	payload, sigs, err := SplitSignatureTrailer([]byte("<interface></interface>"))
	require.NoError(t, err)
	assert.Equal(t, "<interface></interface>", string(payload))
	assert.Empty(t, sigs)
}

func TestSplitSignatureTrailerSingle(t *testing.T) {
	feed := "<interface></interface>\n<!-- Base64 Signature\nAAAA\n-->\n<!-- /Sig -->\n"
	payload, sigs, err := SplitSignatureTrailer([]byte(feed))
	require.NoError(t, err)
	assert.Equal(t, "<interface></interface>\n", string(payload))
	require.Len(t, sigs, 1)
	assert.Contains(t, string(sigs[0]), "AAAA")
}

func TestVerifyUntrustedWithoutKeyring(t *testing.T) {
	db, err := Load(filepath.Join(t.TempDir(), "trustdb.xml"))
	require.NoError(t, err)

	v := &Verifier{DB: db}
	_, err = v.Verify([]byte("payload"), [][]byte{[]byte("not a real signature")}, "example.com")
	require.Error(t, err)

	var untrusted *UntrustedFeedError
	require.ErrorAs(t, err, &untrusted)
}
