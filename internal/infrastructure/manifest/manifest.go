// Package manifest reads JSONL job manifests and expands entry paths.
package manifest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kirillkom/rag-qa-service/internal/core/domain"
)

// ResolvedDocument is one concrete file to ingest after glob expansion.
type ResolvedDocument struct {
	Path  string
	DocID string
	Entry domain.ManifestEntry
}

// Write serialises entries as JSON lines.
func Write(path string, entries []domain.ManifestEntry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal manifest entry: %w", err)
		}
		if _, err := w.Write(append(raw, '\n')); err != nil {
			return fmt.Errorf("write manifest entry: %w", err)
		}
	}
	return w.Flush()
}

// Read parses a JSONL manifest. Blank lines are skipped; every entry must
// carry a path.
func Read(path string) ([]domain.ManifestEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	var entries []domain.ManifestEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry domain.ManifestEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("manifest line %d: %w", lineno, err)
		}
		if entry.Path == "" {
			return nil, fmt.Errorf("manifest line %d: missing path", lineno)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return entries, nil
}

func hasGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}

// Expand resolves entry paths relative to the manifest file, expanding globs.
// Globbed matches get suffixed doc ids (<base>_<N>). Any missing path fails
// the whole expansion, returning the offending paths.
func Expand(manifestPath string, entries []domain.ManifestEntry) ([]ResolvedDocument, error) {
	baseDir := filepath.Dir(manifestPath)

	var resolved []ResolvedDocument
	var missing []string
	for _, entry := range entries {
		p := entry.Path
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}

		baseDocID := entry.DocID
		if baseDocID == "" {
			baseDocID = stem(p)
		}

		if hasGlob(p) {
			matches, err := filepath.Glob(p)
			if err != nil {
				return nil, fmt.Errorf("glob %s: %w", entry.Path, err)
			}
			if len(matches) == 0 {
				missing = append(missing, entry.Path)
				continue
			}
			sort.Strings(matches)
			for i, m := range matches {
				resolved = append(resolved, ResolvedDocument{
					Path:  m,
					DocID: fmt.Sprintf("%s_%d", baseDocID, i+1),
					Entry: entry,
				})
			}
			continue
		}

		if _, err := os.Stat(p); err != nil {
			missing = append(missing, entry.Path)
			continue
		}
		resolved = append(resolved, ResolvedDocument{Path: p, DocID: baseDocID, Entry: entry})
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("manifest paths not found: %s", strings.Join(missing, ", "))
	}
	return resolved, nil
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
