package similarity

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/RomanDovgii/testing-lms/internal/config"
	"github.com/RomanDovgii/testing-lms/internal/ingestion"
)

// FileKey groups submitted files that are compared with each other
type FileKey struct {
	Ext  string // ".html"
	Name string // "index.html"
}

// FileGroups maps a file key to each contributor's content for that file
type FileGroups map[FileKey]map[string]string

// Keys returns the group keys in a stable order
func (g FileGroups) Keys() []FileKey {
	keys := make([]FileKey, 0, len(g))
	for k := range g {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Ext != keys[j].Ext {
			return keys[i].Ext < keys[j].Ext
		}
		return keys[i].Name < keys[j].Name
	})
	return keys
}

// Collector gathers comparable files from every contributor clone of a branch
type Collector struct {
	extensions map[string]bool
	excluded   map[string]bool
	logger     *logrus.Logger
}

// NewCollector builds a collector from the similarity settings
func NewCollector(cfg config.SimilarityConfig, logger *logrus.Logger) *Collector {
	c := &Collector{
		extensions: make(map[string]bool, len(cfg.Extensions)),
		excluded:   make(map[string]bool, len(cfg.ExcludedFiles)),
		logger:     logger,
	}
	for _, ext := range cfg.Extensions {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.extensions[strings.ToLower(ext)] = true
	}
	for _, name := range cfg.ExcludedFiles {
		c.excluded[name] = true
	}
	return c
}

// Collect walks <branchDir>/*-submissions/<contributor-folder> trees.
// When one contributor has several files with the same name, the last one in
// lexical path order wins. Unreadable files are skipped.
func (c *Collector) Collect(branchDir string) (FileGroups, error) {
	dirs, err := ingestion.ListContributorDirs(branchDir, c.logger)
	if err != nil {
		return nil, err
	}

	groups := FileGroups{}
	for _, d := range dirs {
		if !d.IsSubmissionGroup() {
			continue
		}
		contributor := d.Contributor()
		if contributor == "" {
			continue
		}
		c.collectTree(d.Path, contributor, groups)
	}
	return groups, nil
}

func (c *Collector) collectTree(root, contributor string, groups FileGroups) {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			c.logger.WithField("path", path).WithError(err).Debug("skipping unreadable entry")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if path != root && (d.Name() == ".git" || d.Name() == "node_modules") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		key, ok := c.keyFor(d.Name())
		if !ok {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			c.logger.WithField("path", path).WithError(err).Warn("skipping unreadable file")
			return nil
		}

		if groups[key] == nil {
			groups[key] = map[string]string{}
		}
		groups[key][contributor] = string(content)
		return nil
	})
	if err != nil {
		c.logger.WithField("dir", root).WithError(err).Warn("walk aborted")
	}
}

func (c *Collector) keyFor(name string) (FileKey, bool) {
	if c.excluded[name] {
		return FileKey{}, false
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !c.extensions[ext] {
		return FileKey{}, false
	}
	return FileKey{Ext: ext, Name: name}, true
}
