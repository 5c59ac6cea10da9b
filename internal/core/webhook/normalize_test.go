package webhook

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const repoURL = "https://github.com/acme/web"

func repo() Repository {
	return Repository{HTMLURL: repoURL, DefaultBranch: "main"}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		event   string
		payload Payload
		want    Event
	}{
		{
			name:    "push to existing branch updates",
			event:   "push",
			payload: Payload{Ref: "refs/heads/main", After: "abc123", Repository: repo()},
			want:    Event{Operation: "update", URI: repoURL, Branch: "main", Commit: "abc123"},
		},
		{
			name:    "push creating a branch creates",
			event:   "push",
			payload: Payload{Ref: "refs/heads/feature", Created: true, After: "def456", Repository: repo()},
			want:    Event{Operation: "create", URI: repoURL, Branch: "feature", Commit: "def456"},
		},
		{
			name:    "push deleting a branch destroys",
			event:   "push",
			payload: Payload{Ref: "refs/heads/feature", Deleted: true, After: "0000000000000000000000000000000000000000", Repository: repo()},
			want:    Event{Operation: "destroy", URI: repoURL, Branch: "feature"},
		},
		{
			name:    "ref uses last path segment",
			event:   "push",
			payload: Payload{Ref: "refs/heads/team/fix", Repository: repo()},
			want:    Event{Operation: "update", URI: repoURL, Branch: "fix"},
		},
		{
			name:    "create event for branch",
			event:   "create",
			payload: Payload{Ref: "feature/login", RefType: "branch", Repository: repo()},
			want:    Event{Operation: "create", URI: repoURL, Branch: "feature/login"},
		},
		{
			name:    "pull request updates base branch",
			event:   "pull_request",
			payload: Payload{Repository: repo(), PullRequest: &PullRequest{}},
			want:    Event{Operation: "update", URI: repoURL, Branch: "main"},
		},
		{
			name:    "unknown event passes through by name",
			event:   "release",
			payload: Payload{Repository: repo()},
			want:    Event{Operation: "release", URI: repoURL, Branch: "main"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.event, tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize_PullRequestBase(t *testing.T) {
	pr := &PullRequest{}
	pr.Base.Ref = "develop"
	pr.Head.Ref = "feature"

	got, err := Normalize("pull_request", Payload{Repository: repo(), PullRequest: pr})
	require.NoError(t, err)
	assert.Equal(t, "develop", got.Branch)
	assert.Equal(t, "update", got.Operation)
}

func TestNormalize_Ping(t *testing.T) {
	_, err := Normalize("ping", Payload{Repository: repo()})
	assert.ErrorIs(t, err, ErrPing)
}

func TestNormalize_CreateTagIgnored(t *testing.T) {
	_, err := Normalize("create", Payload{Ref: "v1.0.0", RefType: "tag", Repository: repo()})
	assert.ErrorIs(t, err, ErrIgnored)
}

func TestNormalize_Unresolvable(t *testing.T) {
	_, err := Normalize("push", Payload{Ref: "refs/heads/main"})
	assert.ErrorIs(t, err, ErrUnresolvable)

	_, err = Normalize("push", Payload{Repository: Repository{HTMLURL: repoURL}})
	assert.ErrorIs(t, err, ErrUnresolvable)
}

func TestNormalize_FromJSON(t *testing.T) {
	body := []byte(`{
		"ref": "refs/heads/main",
		"after": "0123abcd",
		"created": false,
		"deleted": false,
		"repository": {"html_url": "https://github.com/acme/web", "default_branch": "main"}
	}`)

	var p Payload
	require.NoError(t, json.Unmarshal(body, &p))

	got, err := Normalize("push", p)
	require.NoError(t, err)
	assert.Equal(t, Event{Operation: "update", URI: repoURL, Branch: "main", Commit: "0123abcd"}, got)
}
