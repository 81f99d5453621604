package cpa

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// Parse decodes a JSON array of agreements. Empty input yields no
// agreements. Invalid agreements are dropped and reported through logger;
// the first agreement with a given cpaId wins.
func Parse(data []byte, logger *slog.Logger) ([]*PartnerAgreement, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	var raw []*PartnerAgreement
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode agreements: %w", err)
	}
	return sanitize(raw, nil, logger), nil
}

func sanitize(in []*PartnerAgreement, seen map[string]bool, logger *slog.Logger) []*PartnerAgreement {
	if seen == nil {
		seen = make(map[string]bool)
	}
	out := make([]*PartnerAgreement, 0, len(in))
	for i, a := range in {
		if a == nil {
			continue
		}
		if err := a.Validate(); err != nil {
			logger.Warn("dropping invalid partner agreement",
				slog.Int("index", i),
				slog.String("cpa_id", a.CPAID),
				slog.String("error", err.Error()))
			continue
		}
		if seen[a.CPAID] {
			logger.Warn("dropping duplicate partner agreement", slog.String("cpa_id", a.CPAID))
			continue
		}
		seen[a.CPAID] = true
		out = append(out, a)
	}
	return out
}

// ResolveFiles expands the glob patterns into a sorted, de-duplicated list
// of files. Patterns without glob syntax are returned as given even when the
// file does not exist, so that callers can report it.
func ResolveFiles(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid agreement pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 && !hasMeta(pattern) {
			matches = []string{pattern}
		}
		sort.Strings(matches)
		for _, m := range matches {
			m = filepath.Clean(m)
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	return files, nil
}

func hasMeta(pattern string) bool {
	for _, c := range pattern {
		switch c {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}

// LoadFiles reads every agreement document matched by patterns, in order.
// Missing files are skipped with a warning; an unreadable or malformed
// document fails the whole load.
func LoadFiles(patterns []string, logger *slog.Logger) ([]*PartnerAgreement, error) {
	if logger == nil {
		logger = slog.Default()
	}
	files, err := ResolveFiles(patterns)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var all []*PartnerAgreement
	for _, file := range files {
		data, err := os.ReadFile(file)
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("partner agreement file not found", slog.String("file", file))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		data = bytes.TrimSpace(data)
		if len(data) == 0 {
			continue
		}
		var raw []*PartnerAgreement
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode %s: %w", file, err)
		}
		all = append(all, sanitize(raw, seen, logger.With(slog.String("file", file)))...)
	}
	return all, nil
}
