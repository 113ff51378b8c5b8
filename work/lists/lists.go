package lists

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Well-known list names. A name is a path relative to the data dir,
// without the .json suffix. Category and country lists together form the
// curated catalog; the CHECK/ lists are control and scratch state.
const (
	ListAll        = "LISTS/ALL"
	ListNews       = "LISTS/NEWS"
	ListSport      = "LISTS/SPORT"
	ListMusic      = "LISTS/MUSIC"
	ListBlacklist  = "CHECK/BLACKLIST"  // exclude list: barred from the catalog permanently
	ListWhitelist  = "CHECK/WHITELIST"  // protect list: exempt from removal
	ListCandidates = "CHECK/TEMP_LIST"  // scratch: harvester output
	ListChecked    = "CHECK/TEMP_CHECKED" // scratch: playable subset after checking
)

// StorageError wraps a failure of the underlying list files. It is fatal
// to whichever pipeline stage triggered it.
type StorageError struct {
	Op   string // "load" or "save"
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("list storage %s failed for %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Store reads and writes named lists as JSON arrays of URL strings under
// a single data directory. Saves are atomic: a temporary file in the
// target directory is renamed over the destination, so a crash mid-write
// leaves the prior state intact.
type Store struct {
	dataDir string
}

// NewStore creates a Store rooted at dataDir.
func NewStore(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

// Path returns the on-disk location of a named list.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dataDir, filepath.FromSlash(name)+".json")
}

// Load reads a named list. A missing file yields an empty list; an
// unreadable or malformed file yields a StorageError so callers never
// mistake corrupt state for an empty catalog.
func (s *Store) Load(name string) ([]string, error) {
	path := s.Path(name)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, &StorageError{Op: "load", Path: path, Err: err}
	}

	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &StorageError{Op: "load", Path: path, Err: err}
	}

	return Dedupe(raw), nil
}

// Marshal serializes a list to its on-disk and over-the-wire JSON form,
// deduplicated, indented, newline-terminated. A nil slice serializes as
// an empty array rather than null.
func Marshal(urls []string) ([]byte, error) {
	deduped := Dedupe(urls)
	if deduped == nil {
		deduped = []string{}
	}
	data, err := json.MarshalIndent(deduped, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Save atomically replaces a named list with the given URLs, deduplicated
// and order-preserved. The write handle is released on every exit path
// before the rename.
func (s *Store) Save(name string, urls []string) error {
	path := s.Path(name)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return &StorageError{Op: "save", Path: path, Err: err}
	}

	data, err := Marshal(urls)
	if err != nil {
		return &StorageError{Op: "save", Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return &StorageError{Op: "save", Path: path, Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &StorageError{Op: "save", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &StorageError{Op: "save", Path: path, Err: err}
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &StorageError{Op: "save", Path: path, Err: err}
	}

	return nil
}

// CatalogLists enumerates every category and country list currently on
// disk: LISTS/*.json plus WORLD/*.json, sorted within each group. The
// CHECK/ control and scratch lists are never part of the catalog.
func (s *Store) CatalogLists() ([]string, error) {
	var names []string

	for _, group := range []string{"LISTS", "WORLD"} {
		entries, err := os.ReadDir(filepath.Join(s.dataDir, group))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, &StorageError{Op: "load", Path: filepath.Join(s.dataDir, group), Err: err}
		}

		var groupNames []string
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			groupNames = append(groupNames, group+"/"+strings.TrimSuffix(entry.Name(), ".json"))
		}
		sort.Strings(groupNames)
		names = append(names, groupNames...)
	}

	return names, nil
}

// Dedupe trims whitespace and drops empty and repeated URLs, preserving
// first-seen order.
func Dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	result := make([]string, 0, len(urls))
	for _, u := range urls {
		normalized := strings.TrimSpace(u)
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		result = append(result, normalized)
	}
	return result
}

// Contains builds a membership set for fast lookups during merging.
func Contains(urls []string) map[string]struct{} {
	set := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		set[strings.TrimSpace(u)] = struct{}{}
	}
	return set
}
