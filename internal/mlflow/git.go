package mlflow

import (
	"github.com/go-git/go-git/v5"
)

// GitCommit returns the HEAD commit hash of the repository containing dir,
// or "" when dir is not inside a repository.
func GitCommit(dir string) string {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	return head.Hash().String()
}
