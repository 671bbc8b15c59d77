package dtls

import (
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeyAndCertIsSelfSignedAndWithinValidity(t *testing.T) {
	kc, err := NewKeyAndCert()
	require.NoError(t, err)
	require.Len(t, kc.Certificate.Certificate, 1)

	cert, err := x509.ParseCertificate(kc.Certificate.Certificate[0])
	require.NoError(t, err)

	assert.Equal(t, subjectName, cert.Subject.CommonName)
	assert.Equal(t, issuerName, cert.Issuer.CommonName)

	now := time.Now()
	assert.True(t, cert.NotBefore.Before(now))
	assert.True(t, cert.NotAfter.After(now.Add(29*24*time.Hour)))
	assert.True(t, cert.NotAfter.Before(now.Add(31*24*time.Hour)))
}

func TestVerifyDigest(t *testing.T) {
	kc, err := NewKeyAndCert()
	require.NoError(t, err)

	assert.True(t, VerifyDigest(kc.Digest, kc.Certificate.Certificate[0]))

	other, err := NewKeyAndCert()
	require.NoError(t, err)
	assert.False(t, VerifyDigest(kc.Digest, other.Certificate.Certificate[0]))
}
