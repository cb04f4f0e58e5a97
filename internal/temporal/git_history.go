package temporal

import (
	"bufio"
	"strconv"
	"strings"
	"time"
)

// LogArgs are the git arguments whose output ParseGitLog understands
var LogArgs = []string{"log", "--pretty=format:%H|%an|%ae|%ad", "--date=iso-strict", "--numstat"}

// git's default --date format, used when the log was produced without --date=iso-strict
const gitDefaultDate = "Mon Jan 2 15:04:05 2006 -0700"

// ParseGitLog parses `git log --pretty=format:%H|%an|%ae|%ad --numstat` output.
//
// A header line starts a new commit. Numstat lines that follow add to its totals;
// binary entries ("-") and non-numeric counts contribute zero. Blank lines are skipped
// and do not end a commit. Malformed headers are dropped together with their numstat lines.
func ParseGitLog(output string) []Commit {
	var commits []Commit
	var current *Commit

	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		if strings.TrimSpace(line) == "" {
			continue
		}

		if change, ok := parseNumstat(line); ok {
			if current != nil {
				current.Files = append(current.Files, change)
				current.Additions += change.Additions
				current.Deletions += change.Deletions
			}
			continue
		}

		if strings.Contains(line, "|") {
			if current != nil {
				commits = append(commits, *current)
				current = nil
			}

			// hash|name|email|date
			parts := strings.SplitN(line, "|", 4)
			if len(parts) != 4 || strings.TrimSpace(parts[0]) == "" {
				continue
			}

			email := strings.TrimSpace(parts[2])
			current = &Commit{
				Hash:        strings.TrimSpace(parts[0]),
				AuthorName:  strings.TrimSpace(parts[1]),
				AuthorEmail: email,
				Contributor: ContributorFromEmail(email),
				Timestamp:   parseCommitDate(strings.TrimSpace(parts[3])),
				Files:       []FileChange{},
			}
		}
	}

	if current != nil {
		commits = append(commits, *current)
	}

	return commits
}

// parseNumstat recognises "<added>\t<deleted>\t<path>"
func parseNumstat(line string) (FileChange, bool) {
	fields := strings.SplitN(line, "\t", 3)
	if len(fields) != 3 {
		return FileChange{}, false
	}
	return FileChange{
		Path:      fields[2],
		Additions: countOrZero(fields[0]),
		Deletions: countOrZero(fields[1]),
	}, true
}

func countOrZero(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func parseCommitDate(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse(gitDefaultDate, s); err == nil {
		return t
	}
	return time.Time{}
}

// ContributorFromEmail returns the text before "@", or the whole address if there is none
func ContributorFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}
