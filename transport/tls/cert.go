package tls

import (
	crand "crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"math/rand"
	"net"
	"time"

	E "github.com/sagernet/sing-pipeline/common/exceptions"
	"github.com/sagernet/sing-pipeline/common/random"

	tls "github.com/refraction-networking/utls"
)

// GenerateCertificate creates a self-signed server certificate valid for
// hosts, which may be DNS names or IP literals.
func GenerateCertificate(hosts ...string) (*tls.Certificate, error) {
	rng := random.Blake3KeyedHash()
	r := rand.New(rng)

	privateKey, err := rsa.GenerateKey(rng, 2048)
	if err != nil {
		return nil, E.Cause(err, "generate key")
	}

	createAt := time.Now().Add(-time.Duration(r.Intn(3600)) * time.Second)
	endAt := createAt.AddDate(1, 0, 0)

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := crand.Int(rng, serialNumberLimit)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"sing-pipeline"},
		},
		NotBefore: createAt,
		NotAfter:  endAt,

		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if len(hosts) > 0 {
		template.Subject.CommonName = hosts[0]
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	template.Raw, err = x509.CreateCertificate(rng, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, E.Cause(err, "create certificate")
	}
	privBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, err
	}

	cert, err := tls.X509KeyPair(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: template.Raw}),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}),
	)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func LoadCertificate(certFile, keyFile string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, E.Cause(err, "load certificate ", certFile)
	}
	return &cert, nil
}

// ServerConfig returns the configuration used by listeners serving
// certificate.
func ServerConfig(certificate *tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{*certificate},
		NextProtos:   []string{"http/1.1"},
		MinVersion:   tls.VersionTLS12,
	}
}

// ClientConfig returns the configuration used to connect to serverName.
func ClientConfig(serverName string, insecure bool) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecure,
		NextProtos:         []string{"http/1.1"},
		MinVersion:         tls.VersionTLS12,
	}
}
