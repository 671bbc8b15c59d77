package dtls

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/pkg/errors"
)

const (
	rsaKeyBits  = 2048
	certBefore  = -24 * time.Hour
	certAfter   = 30 * 24 * time.Hour
	subjectName = "rtc2-host"
	issuerName  = "rtc2-peer"
)

// KeyAndCert is a self-signed RSA-2048 certificate and its private key, plus
// the SHA-256 digest of the DER-encoded certificate that gets pinned by the
// peer instead of doing CA-chain verification.
type KeyAndCert struct {
	Certificate tls.Certificate
	Digest      [sha256.Size]byte
}

// NewKeyAndCert generates a fresh self-signed certificate, valid from one
// day ago through 30 days from now (the backdating tolerates modest clock
// skew between peers).
func NewKeyAndCert() (*KeyAndCert, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, errors.Wrap(err, "dtls: generate rsa key")
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, errors.Wrap(err, "dtls: generate serial")
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: subjectName},
		Issuer:                pkix.Name{CommonName: issuerName},
		NotBefore:             now.Add(certBefore),
		NotAfter:              now.Add(certAfter),
		SignatureAlgorithm:    x509.SHA256WithRSA,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, errors.Wrap(err, "dtls: create certificate")
	}

	return &KeyAndCert{
		Certificate: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  key,
		},
		Digest: sha256.Sum256(der),
	}, nil
}

// VerifyDigest reports whether presented (a peer-supplied DER certificate)
// hashes to the pinned digest.
func VerifyDigest(pinned [sha256.Size]byte, presented []byte) bool {
	got := sha256.Sum256(presented)
	return got == pinned
}
