package cloud

import (
	git "github.com/go-git/go-git/v5"
)

// SourceInfo is the VCS metadata recorded on a release.
type SourceInfo struct {
	Commit string
	Branch string
}

// Source resolves the HEAD commit and branch of the project directory.
// Best-effort: a directory that is not a git checkout yields nil.
func Source(dir string) *SourceInfo {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil
	}
	head, err := repo.Head()
	if err != nil {
		return nil
	}
	info := &SourceInfo{Commit: head.Hash().String()}
	if head.Name().IsBranch() {
		info.Branch = head.Name().Short()
	}
	return info
}
