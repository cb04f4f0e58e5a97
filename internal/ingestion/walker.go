package ingestion

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// SubmissionsSuffix ends every classroom group folder name
const SubmissionsSuffix = "-submissions"

// ContributorDir is one contributor clone inside an assignment branch tree:
// <base>/<assignment>/<branch>/<Group>/<Name>
type ContributorDir struct {
	Group string
	Name  string
	Path  string
}

// IsSubmissionGroup reports whether the group folder follows the "<group>-submissions" layout
func (d ContributorDir) IsSubmissionGroup() bool {
	return strings.HasSuffix(d.Group, SubmissionsSuffix)
}

// Contributor is the final hyphen-separated token of the folder name
// ("landing-alice" → "alice"). Empty when the folder ends in a hyphen.
func (d ContributorDir) Contributor() string {
	return d.Name[strings.LastIndex(d.Name, "-")+1:]
}

// DisplayName is the group folder without its "-submissions" suffix
func (d ContributorDir) DisplayName() string {
	return strings.TrimSuffix(d.Group, SubmissionsSuffix)
}

// BranchDir returns <base>/<assignment>/<branch>
func BranchDir(basePath, assignmentExternalID, branch string) string {
	return filepath.Join(basePath, assignmentExternalID, branch)
}

var readDir = os.ReadDir

// ListContributorDirs returns every directory two levels under branchDir, sorted by path.
// Plain files at either level are ignored. Only an unreadable branchDir is an
// error; a group folder that cannot be read is logged and left out.
func ListContributorDirs(branchDir string, logger logrus.FieldLogger) ([]ContributorDir, error) {
	groups, err := readDir(branchDir)
	if err != nil {
		return nil, err
	}

	var dirs []ContributorDir
	for _, group := range groups {
		if !group.IsDir() || shouldSkipDir(group.Name()) {
			continue
		}
		groupPath := filepath.Join(branchDir, group.Name())
		entries, err := readDir(groupPath)
		if err != nil {
			logger.WithField("dir", groupPath).WithError(err).Warn("unreadable group directory, skipping")
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || shouldSkipDir(e.Name()) {
				continue
			}
			dirs = append(dirs, ContributorDir{
				Group: group.Name(),
				Name:  e.Name(),
				Path:  filepath.Join(groupPath, e.Name()),
			})
		}
	}

	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Path < dirs[j].Path })
	return dirs, nil
}

// isEmptyDir is true for a missing directory or one without entries
func isEmptyDir(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return true
	}
	return len(entries) == 0
}

// shouldSkipDir returns true for tooling directories that never hold a submission
func shouldSkipDir(name string) bool {
	switch name {
	case ".git", "node_modules", ".idea", ".vscode":
		return true
	}
	return false
}
