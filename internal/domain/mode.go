package domain

import "fmt"

// Mode selects what the Dispatcher does with a signed report.
type Mode int

const (
	// ModeLocal archives the report and never contacts the remote service.
	ModeLocal Mode = iota
	// ModeAPI submits only; a submission failure is fatal for that report.
	ModeAPI
	// ModeBoth archives and submits; a submission failure is reported but
	// does not undo the local write.
	ModeBoth
	// ModeCache archives always and queues the report for redelivery when
	// immediate submission fails.
	ModeCache
)

func (m Mode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModeAPI:
		return "api"
	case ModeBoth:
		return "both"
	case ModeCache:
		return "cache"
	default:
		return "unknown"
	}
}

// Valid reports whether the mode is one of the defined values.
func (m Mode) Valid() bool { return m >= ModeLocal && m <= ModeCache }

// Stores reports whether the mode writes to the local archive.
func (m Mode) Stores() bool { return m != ModeAPI }

// Submits reports whether the mode contacts the remote service.
func (m Mode) Submits() bool { return m != ModeLocal }

func ParseMode(s string) (Mode, error) {
	switch s {
	case "local":
		return ModeLocal, nil
	case "api":
		return ModeAPI, nil
	case "both":
		return ModeBoth, nil
	case "cache":
		return ModeCache, nil
	default:
		return ModeLocal, fmt.Errorf("unsupported storage mode %q", s)
	}
}
