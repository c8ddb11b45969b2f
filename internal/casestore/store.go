// Package casestore loads the case-study document the assistant is grounded in.
package casestore

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// RequiredSections are the headings answers are grounded on.
var RequiredSections = []string{
	"Background",
	"Timeline",
	"Key Data",
	"Contagion",
	"Transfer Entropy",
	"DRIVER",
}

// RequiredFacts are data points the document must carry verbatim.
var RequiredFacts = []string{"12%", "VIX", "161", "142", "August 5"}

// MinLength is the shortest document accepted as a real case study.
const MinLength = 500

var ErrEmptyDocument = errors.New("case document is empty")

// StorageError reports a missing, unreadable or malformed case document.
// It is fatal: no grounded answer is possible without the document.
type StorageError struct {
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("case document %s: %v", e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Document is the immutable case text.
type Document struct {
	Path string
	Text string
}

// Store memoizes the first successful read of the document at Path.
type Store struct {
	path string

	once sync.Once
	doc  *Document
	err  error
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the document on first call and returns the cached result
// afterwards. A failed first read is cached too; the process is expected to
// stop on it.
func (s *Store) Load() (*Document, error) {
	s.once.Do(func() {
		s.doc, s.err = s.read()
	})
	return s.doc, s.err
}

func (s *Store) read() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, &StorageError{Path: s.path, Err: err}
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, &StorageError{Path: s.path, Err: ErrEmptyDocument}
	}
	return &Document{Path: s.path, Text: string(data)}, nil
}

// Validate checks the structural headings and factual tokens.
func Validate(doc *Document) error {
	if doc == nil || len(doc.Text) == 0 {
		return &StorageError{Err: ErrEmptyDocument}
	}

	var missing []string
	if len(doc.Text) <= MinLength {
		missing = append(missing, fmt.Sprintf("length > %d (got %d)", MinLength, len(doc.Text)))
	}
	for _, section := range RequiredSections {
		if !strings.Contains(doc.Text, section) {
			missing = append(missing, "section "+section)
		}
	}
	for _, fact := range RequiredFacts {
		if !strings.Contains(doc.Text, fact) {
			missing = append(missing, "fact "+fact)
		}
	}

	if len(missing) > 0 {
		return &StorageError{
			Path: doc.Path,
			Err:  fmt.Errorf("missing %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}
