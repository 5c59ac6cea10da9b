package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, ParseList(" a, ,b "))
	assert.Nil(t, ParseList(""))
}

func TestAllowList_Accept(t *testing.T) {
	tests := []struct {
		name   string
		list   AllowList
		uri    string
		branch string
		want   bool
	}{
		{"empty accepts all", AllowList{}, repoURL, "main", true},
		{"uri listed", AllowList{URIs: []string{repoURL}}, repoURL, "main", true},
		{"uri not listed", AllowList{URIs: []string{"https://other"}}, repoURL, "main", false},
		{"branch listed with spaces", AllowList{Branches: []string{" main "}}, repoURL, "main", true},
		{"branch not listed", AllowList{Branches: []string{"main"}}, repoURL, "develop", false},
		{"both must match", AllowList{URIs: []string{repoURL}, Branches: []string{"main"}}, repoURL, "develop", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.list.Accept(tt.uri, tt.branch))
		})
	}
}
