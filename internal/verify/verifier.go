// Package verify checks embedded XMLDSig signatures on test reports against
// a caller-supplied trust anchor. Rejections are structured VerifyResults,
// never panics: an invalid document is an expected outcome of this package.
package verify

import (
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/vouch-labs/vouch-go/internal/canonical"
	"github.com/vouch-labs/vouch-go/internal/domain"
)

// XMLDSig algorithm identifiers this verifier accepts. Anything outside
// these sets, including "none", is rejected without fallback.
const (
	signatureMethodRSASHA256   = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	signatureMethodECDSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha256"
	digestMethodSHA256         = "http://www.w3.org/2001/04/xmlenc#sha256"

	c14nExclusive = "http://www.w3.org/2001/10/xml-exc-c14n#"
	c14n10        = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315"
	c14n11        = "http://www.w3.org/2006/12/xml-c14n11"
)

var approvedSignatureMethods = map[string]domain.Algorithm{
	signatureMethodRSASHA256:   domain.AlgorithmRSASHA256,
	signatureMethodECDSASHA256: domain.AlgorithmECDSASHA256,
}

// Verifier validates signed reports against a fixed set of trust anchors.
type Verifier struct {
	roots  []*x509.Certificate
	limits canonical.Limits
}

// New returns a Verifier trusting exactly the given certificates.
func New(roots ...*x509.Certificate) (*Verifier, error) {
	if len(roots) == 0 {
		return nil, errors.New("at least one trust anchor is required")
	}
	for _, root := range roots {
		if root == nil {
			return nil, errors.New("trust anchor must not be nil")
		}
	}
	return &Verifier{roots: roots, limits: canonical.DefaultLimits()}, nil
}

// WithLimits overrides the parse limits applied to incoming documents.
func (v *Verifier) WithLimits(limits canonical.Limits) *Verifier {
	v.limits = limits
	return v
}

// Verify recomputes the canonical content hash excluding the signature,
// compares it to the declared digest in constant time, and cryptographically
// verifies the signature against the trust anchors. Only a single signature
// placed as a direct child of the root is accepted; extra or relocated
// signature elements are rejected as wrapping attempts.
func (v *Verifier) Verify(signed []byte) domain.VerifyResult {
	doc, err := canonical.Parse(signed, v.limits)
	if err != nil {
		return domain.Invalid(domain.ReasonMalformed, err.Error())
	}
	root := doc.Root()

	hash, err := canonical.HashDocument(doc)
	if err != nil {
		return domain.Invalid(domain.ReasonMalformed, err.Error())
	}

	sigEl, result := v.selectSignature(root)
	if !result.Valid {
		result.Hash = hash
		return result
	}

	algorithm, digestCheck := v.checkSignedInfo(doc, sigEl)
	digestCheck.Hash = hash
	if !digestCheck.Valid {
		return digestCheck
	}

	if res := v.validateCryptographically(root); !res.Valid {
		res.Hash = hash
		return res
	}

	return domain.VerifyResult{Valid: true, Hash: hash, Algorithm: algorithm}
}

// selectSignature enforces that exactly one signature exists and that it is
// a direct child of the root. The placeholder Valid=true result means
// selection succeeded, not that the document verified.
func (v *Verifier) selectSignature(root *etree.Element) (*etree.Element, domain.VerifyResult) {
	all := findSignatures(root)
	switch {
	case len(all) == 0:
		return nil, domain.Invalid(domain.ReasonUnsigned, "document carries no signature")
	case len(all) > 1:
		return nil, domain.Invalid(domain.ReasonWrapped,
			fmt.Sprintf("document carries %d signature elements", len(all)))
	}
	sigEl := all[0]
	if sigEl.Parent() != root {
		return nil, domain.Invalid(domain.ReasonWrapped, "signature is not a direct child of the root")
	}
	return sigEl, domain.VerifyResult{Valid: true}
}

// checkSignedInfo enforces the algorithm allow-list and compares the
// declared digest against an independent recomputation.
func (v *Verifier) checkSignedInfo(doc *etree.Document, sigEl *etree.Element) (domain.Algorithm, domain.VerifyResult) {
	signedInfo := childNS(sigEl, "SignedInfo")
	if signedInfo == nil {
		return 0, domain.Invalid(domain.ReasonMalformed, "signature missing SignedInfo")
	}

	sigMethod := algorithmAttr(childNS(signedInfo, "SignatureMethod"))
	algorithm, ok := approvedSignatureMethods[sigMethod]
	if !ok {
		return 0, domain.Invalid(domain.ReasonForbiddenAlgorithm,
			fmt.Sprintf("signature method %q is not in the approved set", sigMethod))
	}

	reference := childNS(signedInfo, "Reference")
	if reference == nil {
		return 0, domain.Invalid(domain.ReasonMalformed, "signature missing Reference")
	}
	if uri := reference.SelectAttrValue("URI", ""); uri != "" && !strings.HasPrefix(uri, "#") {
		return 0, domain.Invalid(domain.ReasonWrapped,
			fmt.Sprintf("reference URI %q does not cover the enveloping document", uri))
	}

	digestMethod := algorithmAttr(childNS(reference, "DigestMethod"))
	if digestMethod != digestMethodSHA256 {
		return 0, domain.Invalid(domain.ReasonForbiddenAlgorithm,
			fmt.Sprintf("digest method %q is not in the approved set", digestMethod))
	}

	digestEl := childNS(reference, "DigestValue")
	if digestEl == nil {
		return 0, domain.Invalid(domain.ReasonMalformed, "signature missing DigestValue")
	}
	declared, err := base64.StdEncoding.DecodeString(strings.TrimSpace(digestEl.Text()))
	if err != nil {
		return 0, domain.Invalid(domain.ReasonMalformed, "digest value is not base64")
	}

	canonicalizer, err := referenceCanonicalizer(reference, childNS(signedInfo, "CanonicalizationMethod"))
	if err != nil {
		return 0, domain.Invalid(domain.ReasonForbiddenAlgorithm, err.Error())
	}
	content, err := canonical.CanonicalizeExcludingSignatureWith(doc, canonicalizer)
	if err != nil {
		return 0, domain.Invalid(domain.ReasonMalformed, err.Error())
	}
	recomputed := sha256.Sum256(content)
	if subtle.ConstantTimeCompare(declared, recomputed[:]) != 1 {
		return 0, domain.Invalid(domain.ReasonTampered, "digest does not match canonical content")
	}
	return algorithm, domain.VerifyResult{Valid: true}
}

func (v *Verifier) validateCryptographically(root *etree.Element) domain.VerifyResult {
	ctx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{Roots: v.roots})
	if _, err := ctx.Validate(root); err != nil {
		if errors.Is(err, dsig.ErrMissingSignature) {
			return domain.Invalid(domain.ReasonUnsigned, err.Error())
		}
		return domain.Invalid(domain.ReasonUntrusted, err.Error())
	}
	return domain.VerifyResult{Valid: true}
}

// referenceCanonicalizer maps the declared transforms to a conforming C14N
// implementation. The enveloped-signature transform is required; the C14N
// variant may be any of the three standard ones.
func referenceCanonicalizer(reference, c14nMethod *etree.Element) (dsig.Canonicalizer, error) {
	enveloped := false
	variant := ""
	if transforms := childNS(reference, "Transforms"); transforms != nil {
		for _, tr := range transforms.ChildElements() {
			switch alg := algorithmAttr(tr); alg {
			case "http://www.w3.org/2000/09/xmldsig#enveloped-signature":
				enveloped = true
			case c14nExclusive, c14n10, c14n11:
				variant = alg
			default:
				return nil, fmt.Errorf("transform %q is not in the approved set", alg)
			}
		}
	}
	if !enveloped {
		return nil, errors.New("signature is missing the enveloped-signature transform")
	}
	if variant == "" {
		variant = algorithmAttr(c14nMethod)
	}
	switch variant {
	case c14nExclusive, "":
		return dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList(""), nil
	case c14n10:
		return dsig.MakeC14N10RecCanonicalizer(), nil
	case c14n11:
		return dsig.MakeC14N11Canonicalizer(), nil
	default:
		return nil, fmt.Errorf("canonicalization method %q is not in the approved set", variant)
	}
}

func findSignatures(root *etree.Element) []*etree.Element {
	var found []*etree.Element
	var walk func(el *etree.Element)
	walk = func(el *etree.Element) {
		if canonical.IsSignature(el) {
			found = append(found, el)
			return
		}
		for _, child := range el.ChildElements() {
			walk(child)
		}
	}
	walk(root)
	return found
}

func childNS(el *etree.Element, tag string) *etree.Element {
	if el == nil {
		return nil
	}
	for _, child := range el.ChildElements() {
		if child.Tag == tag && child.NamespaceURI() == canonical.XMLDSigNamespace {
			return child
		}
	}
	return nil
}

func algorithmAttr(el *etree.Element) string {
	if el == nil {
		return ""
	}
	return el.SelectAttrValue("Algorithm", "")
}
