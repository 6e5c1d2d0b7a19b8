package gitsync

import (
	"fmt"
	"strings"
)

// Repo names a GitHub repository.
type Repo struct {
	Owner string
	Name  string
}

func (r Repo) String() string { return r.Owner + "/" + r.Name }

// HTTPSURL returns the clone URL of r.
func (r Repo) HTTPSURL() string { return "https://github.com/" + r.String() + ".git" }

// ParseRepo extracts owner/name from a GitHub remote URL in https or scp
// form.
func ParseRepo(remote string) (Repo, error) {
	u := strings.TrimSpace(remote)
	i := strings.Index(u, "github.com")
	if i < 0 {
		return Repo{}, fmt.Errorf("not a GitHub remote: %q", remote)
	}
	path := strings.TrimLeft(u[i+len("github.com"):], ":/")
	path = strings.TrimSuffix(strings.TrimSuffix(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Repo{}, fmt.Errorf("cannot parse repository from %q", remote)
	}
	return Repo{Owner: parts[0], Name: parts[1]}, nil
}
