// Package sign embeds enveloped XMLDSig signatures in canonicalized test
// reports.
package sign

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/vouch-labs/vouch-go/internal/canonical"
	"github.com/vouch-labs/vouch-go/internal/domain"
)

// SignedReport is a report with exactly one embedded signature, plus the
// content hash of its signature-free canonical form.
type SignedReport struct {
	XML  []byte
	Hash domain.ContentHash
}

// Signer produces enveloped XMLDSig signatures over canonicalized reports.
// Construction validates the algorithm/key pairing once; Sign is a pure
// function of its input afterwards.
type Signer struct {
	algorithm   domain.Algorithm
	key         crypto.Signer
	certificate *x509.Certificate
	limits      canonical.Limits
}

// New validates the key against the requested algorithm and returns a
// Signer. RSA-SHA256 requires an RSA key of at least 2048 bits; ECDSA-SHA256
// requires a curve of at least P-256. The certificate is optional and, when
// present, is embedded in the signature KeyInfo so third-party XMLDSig
// tooling can verify without out-of-band key distribution.
func New(algorithm domain.Algorithm, key crypto.Signer, certificate *x509.Certificate) (*Signer, error) {
	if !algorithm.Valid() {
		return nil, fmt.Errorf("unsupported signature algorithm %q", algorithm)
	}
	if key == nil {
		return nil, errors.New("private key is required")
	}
	if err := checkKeyStrength(key); err != nil {
		return nil, err
	}
	switch algorithm {
	case domain.AlgorithmRSASHA256:
		if _, ok := key.(*rsa.PrivateKey); !ok {
			return nil, fmt.Errorf("algorithm %s requires an RSA key, got %T", algorithm, key)
		}
	case domain.AlgorithmECDSASHA256:
		if _, ok := key.(*ecdsa.PrivateKey); !ok {
			return nil, fmt.Errorf("algorithm %s requires an ECDSA key, got %T", algorithm, key)
		}
	}
	if certificate != nil {
		if err := matchCertificate(certificate, key); err != nil {
			return nil, err
		}
	}
	return &Signer{
		algorithm:   algorithm,
		key:         key,
		certificate: certificate,
		limits:      canonical.DefaultLimits(),
	}, nil
}

// WithLimits overrides the parse limits applied to incoming reports.
func (s *Signer) WithLimits(limits canonical.Limits) *Signer {
	s.limits = limits
	return s
}

// Algorithm returns the signer's algorithm.
func (s *Signer) Algorithm() domain.Algorithm { return s.algorithm }

// Sign parses the report, strips any existing signature, and embeds a fresh
// enveloped XMLDSig signature as the last child of the root. Re-signing an
// already-signed document therefore replaces the signature atomically rather
// than appending, which keeps the signature-free canonical hash stable. The
// returned hash always matches independent recomputation over the signed
// output.
func (s *Signer) Sign(report []byte) (SignedReport, error) {
	doc, err := canonical.Parse(report, s.limits)
	if err != nil {
		return SignedReport{}, fmt.Errorf("parse report: %w", err)
	}
	root := doc.Root()
	canonical.RemoveSignatures(root)

	hash, err := canonical.HashDocument(doc)
	if err != nil {
		return SignedReport{}, fmt.Errorf("hash report: %w", err)
	}

	ctx, err := s.signingContext()
	if err != nil {
		return SignedReport{}, err
	}
	signedRoot, err := ctx.SignEnveloped(root)
	if err != nil {
		return SignedReport{}, fmt.Errorf("sign report: %w", err)
	}

	out := etree.NewDocument()
	out.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	out.SetRoot(signedRoot)
	xml, err := out.WriteToBytes()
	if err != nil {
		return SignedReport{}, fmt.Errorf("serialize signed report: %w", err)
	}
	return SignedReport{XML: xml, Hash: hash}, nil
}

func (s *Signer) signingContext() (*dsig.SigningContext, error) {
	var chain [][]byte
	if s.certificate != nil {
		chain = [][]byte{s.certificate.Raw}
	}
	ctx, err := dsig.NewSigningContext(s.key, chain)
	if err != nil {
		return nil, fmt.Errorf("build signing context: %w", err)
	}
	ctx.Canonicalizer = dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")
	ctx.Hash = crypto.SHA256
	var method string
	switch s.algorithm {
	case domain.AlgorithmRSASHA256:
		method = dsig.RSASHA256SignatureMethod
	case domain.AlgorithmECDSASHA256:
		method = dsig.ECDSASHA256SignatureMethod
	}
	if err := ctx.SetSignatureMethod(method); err != nil {
		return nil, fmt.Errorf("set signature method: %w", err)
	}
	return ctx, nil
}

func matchCertificate(cert *x509.Certificate, key crypto.Signer) error {
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		priv, ok := key.(*rsa.PrivateKey)
		if !ok || !pub.Equal(priv.Public()) {
			return errors.New("certificate public key does not match private key")
		}
	case *ecdsa.PublicKey:
		priv, ok := key.(*ecdsa.PrivateKey)
		if !ok || !pub.Equal(priv.Public()) {
			return errors.New("certificate public key does not match private key")
		}
	default:
		return fmt.Errorf("unsupported certificate key type %T", pub)
	}
	return nil
}
