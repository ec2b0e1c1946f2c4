package network

import (
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"

	"p2pchat/internal/crypto"
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// nodeCert builds a self-signed certificate whose public key is the node id.
// ed25519 signing is deterministic, so the zero reader only feeds the serial.
func nodeCert(sk crypto.SecretKey) (tls.Certificate, error) {
	if sk.IsZero() {
		return tls.Certificate{}, crypto.ErrBadKey
	}
	priv := sk.PrivateKey()
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: sk.Public().String()},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Now().Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"p2pchat"},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}

func peerIDFromCerts(rawCerts [][]byte) (crypto.PeerID, error) {
	if len(rawCerts) == 0 {
		return crypto.PeerID{}, errors.New("no peer certificate")
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return crypto.PeerID{}, err
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return crypto.PeerID{}, errors.New("peer certificate is not ed25519")
	}
	return crypto.PeerIDFromPublicKey(pub)
}

func serverTLSConfig(sk crypto.SecretKey, alpns []string) (*tls.Config, error) {
	cert, err := nodeCert(sk)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		NextProtos:   alpns,
		ClientAuth:   tls.RequireAnyClientCert,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			_, err := peerIDFromCerts(rawCerts)
			return err
		},
	}, nil
}

// clientTLSConfig pins the server certificate key to expected. Chain
// verification is replaced by that check.
func clientTLSConfig(sk crypto.SecretKey, expected crypto.PeerID, alpn string) (*tls.Config, error) {
	cert, err := nodeCert(sk)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		Certificates:       []tls.Certificate{cert},
		NextProtos:         []string{alpn},
		ServerName:         "p2pchat",
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			got, err := peerIDFromCerts(rawCerts)
			if err != nil {
				return err
			}
			if got != expected {
				return fmt.Errorf("peer id mismatch: want %s got %s", expected.Fmt(), got.Fmt())
			}
			return nil
		},
	}, nil
}

func rawCerts(certs []*x509.Certificate) [][]byte {
	out := make([][]byte, 0, len(certs))
	for _, c := range certs {
		out = append(out, c.Raw)
	}
	return out
}
