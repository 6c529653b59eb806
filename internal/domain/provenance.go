package domain

import "time"

// GitInfo captures the VCS state of the tree the tests ran in.
type GitInfo struct {
	Repository string `json:"repository,omitempty"`
	Commit     string `json:"commit,omitempty"`
	Branch     string `json:"branch,omitempty"`
	Dirty      bool   `json:"dirty,omitempty"`
}

// CIInfo captures the CI system that produced the report, when one did.
type CIInfo struct {
	Provider string `json:"provider,omitempty"`
	BuildID  string `json:"build_id,omitempty"`
	BuildURL string `json:"build_url,omitempty"`
}

// Provenance is environment metadata attached to report content before
// canonicalization, so it is covered by the content hash and the signature
// rather than carried out-of-band.
type Provenance struct {
	Hostname     string            `json:"hostname"`
	Username     string            `json:"username"`
	Platform     string            `json:"platform"`
	ToolVersions map[string]string `json:"tool_versions,omitempty"`
	Git          GitInfo           `json:"git,omitempty"`
	CI           CIInfo            `json:"ci,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}
