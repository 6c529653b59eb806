// Package provenance captures environment metadata for a test run and
// embeds it in the report before canonicalization, so the metadata is
// covered by the content hash and the signature.
package provenance

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/vouch-labs/vouch-go/internal/canonical"
	"github.com/vouch-labs/vouch-go/internal/domain"
)

// Version identifies this tool in captured tool versions. Overridden at
// build time via -ldflags.
var Version = "dev"

// Capture gathers provenance from the current host. Every field is best
// effort: a host without git, outside a repository, or with an unresolvable
// username still yields usable provenance rather than an error.
func Capture(ctx context.Context) domain.Provenance {
	prov := domain.Provenance{
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Timestamp: time.Now().UTC(),
		ToolVersions: map[string]string{
			"vouch": Version,
			"go":    runtime.Version(),
		},
	}
	if hostname, err := os.Hostname(); err == nil {
		prov.Hostname = hostname
	}
	prov.Username = currentUsername()
	prov.Git = captureGit(ctx)
	prov.CI = detectCI()
	return prov
}

func currentUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	for _, key := range []string{"USER", "USERNAME"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// captureGit shells out to git. Missing binary or a directory outside any
// repository returns a zero GitInfo.
func captureGit(ctx context.Context) domain.GitInfo {
	var info domain.GitInfo
	if _, err := git(ctx, "rev-parse", "--is-inside-work-tree"); err != nil {
		return info
	}
	if commit, err := git(ctx, "rev-parse", "HEAD"); err == nil {
		info.Commit = commit
	}
	if branch, err := git(ctx, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		info.Branch = branch
	}
	if remote, err := git(ctx, "remote", "get-url", "origin"); err == nil {
		info.Repository = remote
	}
	if status, err := git(ctx, "status", "--porcelain"); err == nil {
		info.Dirty = status != ""
	}
	return info
}

func git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}

// ciProviders maps a marker environment variable to the provider name and
// the variables carrying its build identity.
var ciProviders = []struct {
	marker   string
	name     string
	buildID  string
	buildURL string
}{
	{"GITHUB_ACTIONS", "github-actions", "GITHUB_RUN_ID", ""},
	{"GITLAB_CI", "gitlab-ci", "CI_PIPELINE_ID", "CI_PIPELINE_URL"},
	{"JENKINS_URL", "jenkins", "BUILD_ID", "BUILD_URL"},
	{"CIRCLECI", "circleci", "CIRCLE_BUILD_NUM", "CIRCLE_BUILD_URL"},
	{"TRAVIS", "travis-ci", "TRAVIS_BUILD_ID", "TRAVIS_BUILD_WEB_URL"},
	{"BUILDKITE", "buildkite", "BUILDKITE_BUILD_ID", "BUILDKITE_BUILD_URL"},
	{"TF_BUILD", "azure-pipelines", "BUILD_BUILDID", ""},
}

func detectCI() domain.CIInfo {
	for _, p := range ciProviders {
		if os.Getenv(p.marker) == "" {
			continue
		}
		info := domain.CIInfo{Provider: p.name}
		if p.buildID != "" {
			info.BuildID = os.Getenv(p.buildID)
		}
		if p.buildURL != "" {
			info.BuildURL = os.Getenv(p.buildURL)
		}
		if info.Provider == "github-actions" {
			info.BuildURL = githubRunURL()
		}
		return info
	}
	if os.Getenv("CI") != "" {
		return domain.CIInfo{Provider: "generic"}
	}
	return domain.CIInfo{}
}

func githubRunURL() string {
	server := os.Getenv("GITHUB_SERVER_URL")
	repo := os.Getenv("GITHUB_REPOSITORY")
	runID := os.Getenv("GITHUB_RUN_ID")
	if server == "" || repo == "" || runID == "" {
		return ""
	}
	return server + "/" + repo + "/actions/runs/" + runID
}

// Inject embeds prov as <property> elements under the root element's
// <properties> block, creating the block when the report has none.
// Signature blocks are left untouched; Inject must run before signing.
func Inject(report []byte, prov domain.Provenance) ([]byte, error) {
	doc, err := canonical.Parse(report, canonical.DefaultLimits())
	if err != nil {
		return nil, fmt.Errorf("inject provenance: %w", err)
	}
	root := doc.Root()

	properties := root.SelectElement("properties")
	if properties == nil {
		properties = etree.NewElement("properties")
		root.InsertChildAt(0, properties)
	}
	for _, kv := range propertyPairs(prov) {
		setProperty(properties, kv[0], kv[1])
	}

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize report: %w", err)
	}
	return out, nil
}

// propertyPairs flattens provenance into ordered name/value pairs. Empty
// values are dropped so reports never carry blank properties.
func propertyPairs(prov domain.Provenance) [][2]string {
	pairs := [][2]string{
		{"vouch:hostname", prov.Hostname},
		{"vouch:username", prov.Username},
		{"vouch:platform", prov.Platform},
		{"vouch:timestamp", formatTimestamp(prov.Timestamp)},
		{"git:repository", prov.Git.Repository},
		{"git:commit", prov.Git.Commit},
		{"git:branch", prov.Git.Branch},
		{"ci:provider", prov.CI.Provider},
		{"ci:build_id", prov.CI.BuildID},
		{"ci:build_url", prov.CI.BuildURL},
	}
	if prov.Git.Commit != "" {
		pairs = append(pairs, [2]string{"git:dirty", strconv.FormatBool(prov.Git.Dirty)})
	}
	names := make([]string, 0, len(prov.ToolVersions))
	for name := range prov.ToolVersions {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		pairs = append(pairs, [2]string{"tool:" + name, prov.ToolVersions[name]})
	}
	filtered := pairs[:0]
	for _, kv := range pairs {
		if kv[1] != "" {
			filtered = append(filtered, kv)
		}
	}
	return filtered
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func setProperty(properties *etree.Element, name, value string) {
	for _, existing := range properties.SelectElements("property") {
		if existing.SelectAttrValue("name", "") == name {
			existing.CreateAttr("value", value)
			return
		}
	}
	property := properties.CreateElement("property")
	property.CreateAttr("name", name)
	property.CreateAttr("value", value)
}
