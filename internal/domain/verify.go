package domain

// VerifyReason classifies why verification rejected a document. An invalid
// document is an expected outcome, carried as a value, never a panic.
type VerifyReason string

const (
	// ReasonMalformed covers documents that cannot be parsed or exceed the
	// configured limits.
	ReasonMalformed VerifyReason = "malformed"
	// ReasonUnsigned covers documents with no signature element.
	ReasonUnsigned VerifyReason = "unsigned"
	// ReasonWrapped covers documents carrying extra or misplaced signature
	// elements, the shape of a signature-wrapping attack.
	ReasonWrapped VerifyReason = "wrapped"
	// ReasonForbiddenAlgorithm covers declared algorithms outside the
	// approved set, including "none".
	ReasonForbiddenAlgorithm VerifyReason = "forbidden-algorithm"
	// ReasonTampered covers digest mismatches between the declared and the
	// recomputed canonical content.
	ReasonTampered VerifyReason = "tampered"
	// ReasonUntrusted covers signatures that fail cryptographic
	// verification against the supplied trust anchors.
	ReasonUntrusted VerifyReason = "untrusted"
)

// VerifyResult is the structured outcome of signature verification.
type VerifyResult struct {
	Valid  bool         `json:"valid"`
	Reason VerifyReason `json:"reason,omitempty"`
	Detail string       `json:"detail,omitempty"`
	// Hash is the recomputed canonical content hash. Set whenever the
	// document parsed, regardless of validity, so callers can correlate
	// with archive records.
	Hash ContentHash `json:"hash,omitempty"`
	// Algorithm is the verified signature algorithm, set on success.
	Algorithm Algorithm `json:"algorithm,omitempty"`
}

// Invalid builds a rejection result.
func Invalid(reason VerifyReason, detail string) VerifyResult {
	return VerifyResult{Valid: false, Reason: reason, Detail: detail}
}
