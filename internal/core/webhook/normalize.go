// Package webhook turns repository hosting events into pipeline requests.
package webhook

import (
	"errors"
	"strings"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrPing marks a connectivity check. The transport answers it directly.
	ErrPing = errors.New("ping event")
	// ErrIgnored marks an event that is well formed but not actionable.
	ErrIgnored = errors.New("event ignored")
	// ErrUnresolvable marks an event without a repository uri or branch.
	ErrUnresolvable = errors.New("event has no repository uri or branch")
)

// =============================================================================
// Payload
// =============================================================================

// Repository is the subset of the hosting provider's repository object the
// normalizer reads.
type Repository struct {
	HTMLURL       string `json:"html_url"`
	CloneURL      string `json:"clone_url"`
	DefaultBranch string `json:"default_branch"`
}

// PullRequest is the subset of a pull request payload the normalizer reads.
type PullRequest struct {
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
	Head struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
}

// Payload is a decoded webhook body.
type Payload struct {
	Ref         string       `json:"ref"`
	RefType     string       `json:"ref_type"`
	Created     bool         `json:"created"`
	Deleted     bool         `json:"deleted"`
	After       string       `json:"after"`
	Repository  Repository   `json:"repository"`
	PullRequest *PullRequest `json:"pull_request"`
}

// Event is a normalized pipeline request.
type Event struct {
	Operation string `json:"operation"`
	URI       string `json:"uri"`
	Branch    string `json:"branch"`
	Commit    string `json:"commit,omitempty"`
}

// =============================================================================
// Normalization
// =============================================================================

// Normalize maps a named hosting event onto a pipeline operation.
//
//   - ping is reported as ErrPing
//   - create becomes create for branch refs and is ignored for tags
//   - push becomes create, destroy or update depending on created/deleted
//   - pull_request becomes update of the base branch
//   - any other event passes through under its own name
//
// The branch defaults to the repository default branch and is overridden by
// the last path segment of ref.
func Normalize(name string, p Payload) (Event, error) {
	ev := Event{
		Operation: name,
		URI:       p.Repository.HTMLURL,
		Branch:    p.Repository.DefaultBranch,
	}
	if ref := lastSegment(p.Ref); ref != "" {
		ev.Branch = ref
	}

	switch name {
	case "ping":
		return Event{}, ErrPing

	case "create":
		if p.RefType != "branch" {
			return Event{}, ErrIgnored
		}
		ev.Branch = p.Ref

	case "push":
		switch {
		case p.Created:
			ev.Operation = "create"
		case p.Deleted:
			ev.Operation = "destroy"
		default:
			ev.Operation = "update"
		}
		if !p.Deleted && !isZeroSHA(p.After) {
			ev.Commit = p.After
		}

	case "pull_request":
		ev.Operation = "update"
		if p.PullRequest != nil && p.PullRequest.Base.Ref != "" {
			ev.Branch = p.PullRequest.Base.Ref
		}
	}

	if ev.URI == "" || ev.Branch == "" {
		return Event{}, ErrUnresolvable
	}
	return ev, nil
}

func lastSegment(ref string) string {
	if ref == "" {
		return ""
	}
	return ref[strings.LastIndex(ref, "/")+1:]
}

func isZeroSHA(sha string) bool {
	return strings.Trim(sha, "0") == ""
}
