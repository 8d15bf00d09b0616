// Package tlsmaterial builds crypto/tls configuration from a node's CA
// chain, operational certificate chain, and private key, and (for
// development/test use) can mint a self-signed set of all three.
package tlsmaterial

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// Material is a node's TLS identity: a CA chain used to verify peers, and
// an operational cert chain + key presented to peers. The buffers are
// read-only for the life of the node.
type Material struct {
	CA   []byte // PEM-encoded CA certificate(s)
	Cert []byte // PEM-encoded operational certificate chain
	Key  []byte // PEM-encoded private key
}

// ClientConfig builds a tls.Config suitable for dialing a hub or peer,
// verifying the remote certificate against CA and presenting Cert/Key.
func (m Material) ClientConfig() (*tls.Config, error) {
	pair, err := tls.X509KeyPair(m.Cert, m.Key)
	if err != nil {
		return nil, fmt.Errorf("tlsmaterial: load operational keypair: %w", err)
	}
	pool, err := m.caPool()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ServerConfig builds a tls.Config suitable for a Hub Function or Node
// Switch listener, requiring and verifying client certificates against CA.
func (m Material) ServerConfig() (*tls.Config, error) {
	pair, err := tls.X509KeyPair(m.Cert, m.Key)
	if err != nil {
		return nil, fmt.Errorf("tlsmaterial: load operational keypair: %w", err)
	}
	pool, err := m.caPool()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (m Material) caPool() (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(m.CA) {
		return nil, fmt.Errorf("tlsmaterial: no usable CA certificates in bundle")
	}
	return pool, nil
}

// GenerateSelfSigned mints a CA and one operational certificate signed by
// it, valid for validFor, for development nodes and integration tests
// that have no real certificate authority to enroll against. commonName
// typically carries the node's UUID or a human label.
func GenerateSelfSigned(commonName string, validFor time.Duration) (Material, error) {
	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return Material{}, err
	}
	caTemplate := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"bacsc"}, CommonName: "bacsc local CA"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(validFor),
		IsCA:         true,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, &caTemplate, &caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		return Material{}, err
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return Material{}, err
	}

	opKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return Material{}, err
	}
	opTemplate := x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{Organization: []string{"bacsc"}, CommonName: commonName},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(validFor),
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	opDER, err := x509.CreateCertificate(rand.Reader, &opTemplate, caCert, &opKey.PublicKey, caKey)
	if err != nil {
		return Material{}, err
	}
	opCert, err := x509.ParseCertificate(opDER)
	if err != nil {
		return Material{}, err
	}

	return Material{
		CA:   encodeCertPEM(caCert),
		Cert: encodeCertPEM(opCert),
		Key:  encodeKeyPEM(opKey),
	}, nil
}
