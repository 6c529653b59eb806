// Package canonical normalizes test-report XML into a deterministic byte
// form and derives content hashes from it. Semantically identical documents
// canonicalize to identical bytes, so hash equality proxies semantic
// equality and signatures survive round-tripping through any conforming
// XML processor.
package canonical

import (
	"errors"
	"fmt"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/vouch-labs/vouch-go/internal/domain"
)

// XMLDSigNamespace is the namespace of embedded signature blocks, which the
// content hash always excludes.
const XMLDSigNamespace = "http://www.w3.org/2000/09/xmldsig#"

const signatureTag = "Signature"

// Limits bounds the resources a single document may commit before it is
// rejected as adversarial.
type Limits struct {
	MaxBytes    int64
	MaxDepth    int
	MaxElements int
}

// DefaultLimits are generous for real test reports and tight enough to stop
// entity-free amplification documents.
func DefaultLimits() Limits {
	return Limits{
		MaxBytes:    32 << 20,
		MaxDepth:    64,
		MaxElements: 500_000,
	}
}

func (l Limits) Validate() error {
	if l.MaxBytes <= 0 {
		return errors.New("max bytes must be positive")
	}
	if l.MaxDepth <= 0 {
		return errors.New("max depth must be positive")
	}
	if l.MaxElements <= 0 {
		return errors.New("max elements must be positive")
	}
	return nil
}

// Parse reads a report document, enforcing limits. The byte cap is checked
// before parsing so oversized input is rejected without committing parser
// memory; depth and element counts are checked on the parsed tree.
func Parse(data []byte, limits Limits) (*etree.Document, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if int64(len(data)) > limits.MaxBytes {
		return nil, fmt.Errorf("document is %d bytes, limit is %d", len(data), limits.MaxBytes)
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("parse xml: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, errors.New("document has no root element")
	}
	count, depth := measure(root, 1)
	if depth > limits.MaxDepth {
		return nil, fmt.Errorf("document depth %d exceeds limit %d", depth, limits.MaxDepth)
	}
	if count > limits.MaxElements {
		return nil, fmt.Errorf("document has %d elements, limit is %d", count, limits.MaxElements)
	}
	return doc, nil
}

func measure(el *etree.Element, depth int) (count, maxDepth int) {
	count = 1
	maxDepth = depth
	for _, child := range el.ChildElements() {
		c, d := measure(child, depth+1)
		count += c
		if d > maxDepth {
			maxDepth = d
		}
	}
	return count, maxDepth
}

// Canonicalize renders the document in exclusive XML canonical form
// (xml-exc-c14n).
func Canonicalize(doc *etree.Document) ([]byte, error) {
	root := doc.Root()
	if root == nil {
		return nil, errors.New("document has no root element")
	}
	canonicalizer := dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")
	out, err := canonicalizer.Canonicalize(root)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// CanonicalizeExcludingSignature canonicalizes a copy of the document with
// any embedded signature blocks removed from the root. This is the form the
// content hash is defined over: it is identical before and after signing.
func CanonicalizeExcludingSignature(doc *etree.Document) ([]byte, error) {
	return CanonicalizeExcludingSignatureWith(doc, dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList(""))
}

// CanonicalizeExcludingSignatureWith is CanonicalizeExcludingSignature with
// an explicit canonicalization method, for verifying documents produced by
// processors that declared a different conforming C14N variant.
func CanonicalizeExcludingSignatureWith(doc *etree.Document, canonicalizer dsig.Canonicalizer) ([]byte, error) {
	root := doc.Root()
	if root == nil {
		return nil, errors.New("document has no root element")
	}
	stripped := root.Copy()
	RemoveSignatures(stripped)
	detached := etree.NewDocument()
	detached.SetRoot(stripped)
	out, err := canonicalizer.Canonicalize(detached.Root())
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// RemoveSignatures deletes all XMLDSig Signature children of el, returning
// how many were removed.
func RemoveSignatures(el *etree.Element) int {
	removed := 0
	for _, child := range el.ChildElements() {
		if IsSignature(child) {
			el.RemoveChild(child)
			removed++
		}
	}
	return removed
}

// IsSignature reports whether el is an XMLDSig Signature element.
func IsSignature(el *etree.Element) bool {
	return el.Tag == signatureTag && namespaceOf(el) == XMLDSigNamespace
}

func namespaceOf(el *etree.Element) string {
	return el.NamespaceURI()
}

// Hash digests a canonical form.
func Hash(canonical []byte) domain.ContentHash {
	return domain.NewContentHash(canonical)
}

// HashDocument computes the content hash of a parsed document, always
// excluding any embedded signature.
func HashDocument(doc *etree.Document) (domain.ContentHash, error) {
	canonical, err := CanonicalizeExcludingSignature(doc)
	if err != nil {
		return "", err
	}
	return Hash(canonical), nil
}

// HashReport parses and hashes raw report bytes in one step.
func HashReport(data []byte, limits Limits) (domain.ContentHash, error) {
	doc, err := Parse(data, limits)
	if err != nil {
		return "", err
	}
	return HashDocument(doc)
}
