package temporal

import "time"

// Commit represents a git commit with its numstat totals
type Commit struct {
	Hash        string
	AuthorName  string
	AuthorEmail string
	Contributor string // local part of AuthorEmail
	Timestamp   time.Time
	Additions   int
	Deletions   int
	Files       []FileChange
}

// Activity returns additions + deletions
func (c Commit) Activity() int {
	return c.Additions + c.Deletions
}

// FileChange represents file modifications in a commit
type FileChange struct {
	Path      string
	Additions int
	Deletions int
}
