package sign

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/vouch-labs/vouch-go/internal/domain"
)

// LoadPrivateKeyPEM parses a PEM-encoded private key (PKCS#1, PKCS#8 or
// SEC1). The returned signer is treated as opaque key material: it is never
// logged or serialized by this package.
func LoadPrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found in key data")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs1 key: %w", err)
		}
		return key, nil
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse ec key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs8 key: %w", err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported pkcs8 key type %T", key)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}

// LoadCertificatePEM parses a PEM-encoded X.509 certificate.
func LoadCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found in certificate data")
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}

// AlgorithmForKey selects the signature algorithm matching the key's type:
// RSA keys sign RSA-SHA256, ECDSA keys sign ECDSA-SHA256.
func AlgorithmForKey(key crypto.Signer) (domain.Algorithm, error) {
	switch key.(type) {
	case *rsa.PrivateKey:
		return domain.AlgorithmRSASHA256, nil
	case *ecdsa.PrivateKey:
		return domain.AlgorithmECDSASHA256, nil
	default:
		return domain.AlgorithmUnknown, fmt.Errorf("unsupported key type %T", key)
	}
}

// minRSABits is the smallest RSA modulus accepted for signing.
const minRSABits = 2048

// minECDSABits is the smallest ECDSA curve accepted (P-256).
const minECDSABits = 256

func checkKeyStrength(key crypto.Signer) error {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		if bits := k.N.BitLen(); bits < minRSABits {
			return fmt.Errorf("rsa key is %d bits, minimum is %d", bits, minRSABits)
		}
		return nil
	case *ecdsa.PrivateKey:
		if bits := k.Curve.Params().BitSize; bits < minECDSABits {
			return fmt.Errorf("ecdsa curve %s is below P-%d", k.Curve.Params().Name, minECDSABits)
		}
		return nil
	default:
		return fmt.Errorf("unsupported key type %T", key)
	}
}
