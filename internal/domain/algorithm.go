package domain

import "fmt"

// Algorithm identifies a supported signature algorithm family. The set is
// closed: anything a document declares outside of it is rejected at the
// Signer and Verifier boundaries rather than falling back.
type Algorithm int

const (
	AlgorithmUnknown Algorithm = iota
	AlgorithmRSASHA256
	AlgorithmECDSASHA256
)

const (
	algorithmNameRSASHA256   = "rsa-sha256"
	algorithmNameECDSASHA256 = "ecdsa-sha256"
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmRSASHA256:
		return algorithmNameRSASHA256
	case AlgorithmECDSASHA256:
		return algorithmNameECDSASHA256
	default:
		return "unknown"
	}
}

// MarshalText renders the algorithm name, so JSON output carries
// "rsa-sha256" rather than an enum ordinal.
func (a Algorithm) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Algorithm) UnmarshalText(text []byte) error {
	parsed, err := ParseAlgorithm(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Valid reports whether a names a member of the approved set.
func (a Algorithm) Valid() bool {
	return a == AlgorithmRSASHA256 || a == AlgorithmECDSASHA256
}

// ParseAlgorithm maps a configuration string onto the closed algorithm set.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case algorithmNameRSASHA256:
		return AlgorithmRSASHA256, nil
	case algorithmNameECDSASHA256:
		return AlgorithmECDSASHA256, nil
	default:
		return AlgorithmUnknown, fmt.Errorf("unsupported signature algorithm %q", s)
	}
}
