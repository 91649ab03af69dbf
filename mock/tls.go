package mock

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// CertSetup has a test CA and a server certificate signed by it. The server
// certificate is valid for the loopback addresses so an httptest server can present it.
type CertSetup struct {
	// CaPEM is the CA certificate in PEM form
	CaPEM *bytes.Buffer
	// ServerCert is the server certificate
	ServerCert tls.Certificate
}

// ServerTLS returns a server TLS config presenting the receiver's server certificate.
func (cs CertSetup) ServerTLS() *tls.Config {
	return &tls.Config{Certificates: []tls.Certificate{cs.ServerCert}}
}

// CaToFile writes the CA Certificate in the receiver to a file named 'fileName'
// in directory 'dir' and returns the full path.
func (cs CertSetup) CaToFile(dir, fileName string) (string, error) {
	p := filepath.Join(dir, fileName)
	return p, os.WriteFile(p, cs.CaPEM.Bytes(), 0644)
}

// NewCertSetup was adapted from https://gist.github.com/shaneutt/5e1995295cff6721c89a71d13a71c251
// It returns a fully-populated 'CertSetup' struct, or an error.
func NewCertSetup() (CertSetup, error) {
	ca := newX509("root", 1, true)
	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return CertSetup{}, err
	}
	caBytes, err := x509.CreateCertificate(rand.Reader, &ca, &ca, &caKey.PublicKey, caKey)
	if err != nil {
		return CertSetup{}, err
	}
	cs := CertSetup{CaPEM: pemOf("CERTIFICATE", caBytes)}

	server := newX509("server", 2, false)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return CertSetup{}, err
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, &server, &ca, &key.PublicKey, caKey)
	if err != nil {
		return CertSetup{}, err
	}
	keyPEM := pemOf("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key))
	cs.ServerCert, err = tls.X509KeyPair(pemOf("CERTIFICATE", certBytes).Bytes(), keyPEM.Bytes())
	if err != nil {
		return CertSetup{}, err
	}
	return cs, nil
}

func pemOf(blockType string, b []byte) *bytes.Buffer {
	buf := new(bytes.Buffer)
	pem.Encode(buf, &pem.Block{Type: blockType, Bytes: b})
	return buf
}

// newX509 returns a new x509 cert with the passed common name. If isCA is true then a CA
// cert is generated, otherwise a non-CA cert.
func newX509(cn string, serial int64, isCA bool) x509.Certificate {
	keyUsage := x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
	if isCA {
		keyUsage |= x509.KeyUsageCertSign
	}
	return x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: cn},
		IsCA:                  isCA,
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		KeyUsage:              keyUsage,
	}
}
