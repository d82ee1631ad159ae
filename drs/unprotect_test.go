package drs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/dcjoin/drs"
)

func TestUnprotect_SecretAttribute(t *testing.T) {
	key := []byte("0123456789abcdef")
	plain := []byte{0x8a, 0x46, 0xc1, 0x2f, 0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb}

	protected, err := drs.Protect(key, plain)
	require.NoError(t, err)
	assert.Len(t, protected, 16+4+len(plain))
	assert.NotContains(t, string(protected), string(plain))

	got, err := drs.SessionKeyUnprotector{}.Unprotect(key, drs.AttrUnicodePwd, protected)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestUnprotect_DetectsTampering(t *testing.T) {
	key := []byte("0123456789abcdef")
	protected, err := drs.Protect(key, []byte("supplemental-credentials-blob"))
	require.NoError(t, err)

	protected[len(protected)-1] ^= 0xff
	_, err = drs.SessionKeyUnprotector{}.Unprotect(key, drs.AttrSupplementalCredentials, protected)
	assert.ErrorIs(t, err, drs.ErrChecksumMismatch)
}

func TestUnprotect_WrongKey(t *testing.T) {
	protected, err := drs.Protect([]byte("right-key"), []byte("trust-secret-value"))
	require.NoError(t, err)

	_, err = drs.SessionKeyUnprotector{}.Unprotect([]byte("wrong-key"), drs.AttrTrustAuthIncoming, protected)
	assert.Error(t, err)
}

func TestUnprotect_PassThroughAndShortInput(t *testing.T) {
	u := drs.SessionKeyUnprotector{}

	value := []byte("cn value")
	got, err := u.Unprotect(nil, 3, value)
	require.NoError(t, err)
	assert.Equal(t, value, got)

	_, err = u.Unprotect([]byte("key"), drs.AttrNTPwdHistory, make([]byte, 10))
	assert.Error(t, err)

	_, err = u.Unprotect(nil, drs.AttrNTPwdHistory, make([]byte, 40))
	assert.Error(t, err)

	assert.True(t, drs.IsSecretAttribute(drs.AttrCurrentValue))
	assert.False(t, drs.IsSecretAttribute(3))
}
