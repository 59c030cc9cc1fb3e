package feed

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const DefaultPriority = 5

// FeedSpec is one feed definition from an import file. A nil Priority
// means DefaultPriority; zero is a valid priority of its own.
type FeedSpec struct {
	URL      string `toml:"url"`
	Name     string `toml:"name"`
	Priority *int   `toml:"priority"`
	Category string `toml:"category"`
}

// Priority returns a pointer to p for building a FeedSpec.
func Priority(p int) *int {
	return &p
}

// EffectivePriority is the spec's priority, or DefaultPriority when unset.
func (s FeedSpec) EffectivePriority() int {
	if s.Priority == nil {
		return DefaultPriority
	}
	return *s.Priority
}

type feedFile struct {
	Feeds []FeedSpec `toml:"feeds"`
}

// GenerateFeedID derives a stable feed ID from its URL.
func GenerateFeedID(url string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(url)))[:16]
}

// ValidPriority reports whether p is within 0..10.
func ValidPriority(p int) bool {
	return p >= 0 && p <= 10
}

// ImportFile reads feed definitions from path. Files ending in .toml hold
// [[feeds]] tables; anything else is read as url|name|priority|category
// lines.
func ImportFile(path string) ([]FeedSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading feed list: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return ParseTOML(data)
	}
	return ParseLines(data)
}

func ParseTOML(data []byte) ([]FeedSpec, error) {
	var file feedFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing feed list: %w", err)
	}
	for i := range file.Feeds {
		if err := file.Feeds[i].normalize(); err != nil {
			return nil, fmt.Errorf("feed %d: %w", i+1, err)
		}
	}
	return file.Feeds, nil
}

// ParseLines reads url|name|priority|category lines. Only the URL is
// required; blank lines and lines starting with # are skipped.
func ParseLines(data []byte) ([]FeedSpec, error) {
	var specs []FeedSpec
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, "|")
		spec := FeedSpec{URL: strings.TrimSpace(parts[0])}
		if len(parts) > 1 {
			spec.Name = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 && strings.TrimSpace(parts[2]) != "" {
			p, err := strconv.Atoi(strings.TrimSpace(parts[2]))
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid priority %q", n, parts[2])
			}
			spec.Priority = &p
		}
		if len(parts) > 3 {
			spec.Category = strings.TrimSpace(parts[3])
		}
		if err := spec.normalize(); err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		specs = append(specs, spec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading feed list: %w", err)
	}
	return specs, nil
}

func (s *FeedSpec) normalize() error {
	s.URL = strings.TrimSpace(s.URL)
	if s.URL == "" {
		return fmt.Errorf("missing url")
	}
	p := s.EffectivePriority()
	if !ValidPriority(p) {
		return fmt.Errorf("priority %d outside 0..10", p)
	}
	s.Priority = &p
	return nil
}
