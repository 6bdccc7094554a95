// Package roster turns class lists into batch provisioning candidates.
package roster

import (
	"context"
	"encoding/csv"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/account"
)

var (
	ErrUnsupportedFormat = errors.New("class lists must be CSV, plain text or an image")
	ErrNoExtractor       = errors.New("image class lists are not supported on this server")
	ErrEmpty             = errors.New("the class list has no names")

	// "1.", "12)", "-", "*", "•" at the start of a line
	listMarkerRegex = regexp.MustCompile(`^\s*(?:\d+\s*[.)\-:]|[-*•·])\s*`)
)

// TextExtractor reads the text of an image.
type TextExtractor interface {
	ExtractText(ctx context.Context, img []byte) (string, error)
}

// ParseCSV reads candidates from CSV. A header row naming the columns (name, email, password)
// is optional; without one the columns are taken in that order.
func ParseCSV(r io.Reader) ([]account.Candidate, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	records, err := cr.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "reading csv")
	}
	if len(records) == 0 {
		return nil, ErrEmpty
	}

	cols := map[string]int{"name": 0, "email": 1, "password": 2}
	if header, ok := parseHeader(records[0]); ok {
		cols = header
		records = records[1:]
	}

	get := func(rec []string, col string) string {
		i, ok := cols[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	candidates := make([]account.Candidate, 0, len(records))
	for _, rec := range records {
		c := account.Candidate{
			Name:     core.CleanString(get(rec, "name")),
			Email:    get(rec, "email"),
			Password: get(rec, "password"),
		}
		if c.Name == "" && c.Email == "" {
			continue // blank line
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil, ErrEmpty
	}
	return candidates, nil
}

func parseHeader(rec []string) (map[string]int, bool) {
	cols := make(map[string]int)
	for i, h := range rec {
		switch h = strings.ToLower(strings.TrimSpace(h)); h {
		case "name", "full name", "fullname":
			cols["name"] = i
		case "email", "e-mail":
			cols["email"] = i
		case "password":
			cols["password"] = i
		}
	}
	_, ok := cols["name"]
	return cols, ok
}

// ParseText reads one name per line, dropping list numbering and bullets.
func ParseText(text string) []account.Candidate {
	var candidates []account.Candidate
	for _, line := range strings.Split(text, "\n") {
		name := core.CleanString(listMarkerRegex.ReplaceAllString(line, ""))
		if name == "" || !hasLetter(name) {
			continue
		}
		candidates = append(candidates, account.Candidate{Name: name})
	}
	return candidates
}

func hasLetter(s string) bool {
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' {
			return true
		}
	}
	return false
}

// Importer reads candidates from an uploaded class list.
type Importer struct {
	Extractor TextExtractor // optional
}

// Candidates parses data according to its content type, or its file extension when the type is generic.
func (imp Importer) Candidates(ctx context.Context, filename, contentType string, data []byte) ([]account.Candidate, error) {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	ext := strings.ToLower(path.Ext(filename))

	switch {
	case ct == "text/csv" || ext == ".csv":
		return ParseCSV(strings.NewReader(string(data)))
	case ct == "text/plain" || ext == ".txt":
		return nonEmpty(ParseText(string(data)))
	case strings.HasPrefix(ct, "image/"):
		if imp.Extractor == nil {
			return nil, ErrNoExtractor
		}
		text, err := imp.Extractor.ExtractText(ctx, data)
		if err != nil {
			return nil, errors.Wrap(err, "reading class list image")
		}
		return nonEmpty(ParseText(text))
	}
	return nil, ErrUnsupportedFormat
}

func nonEmpty(candidates []account.Candidate) ([]account.Candidate, error) {
	if len(candidates) == 0 {
		return nil, ErrEmpty
	}
	return candidates, nil
}
