// Package transform flattens raw work records into papers-table rows.
//
// The mapping degrades gracefully: a missing nested object nulls out the
// columns derived from it and never fails the record. The only hard failure
// is a record with no usable identity at all.
package transform

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"paperetl/internal/openalex"
	"paperetl/internal/storage"
)

// ErrNoIdentifier is returned when a work carries no id, no alternative id
// and no fields to derive a fallback id from. Such a record cannot be keyed
// and is dropped by the caller as a record-level error.
var ErrNoIdentifier = errors.New("transform: record has no usable identifier")

// Columns returns the papers columns a transformed row populates, in row
// order. The database-managed tracking columns are excluded.
func Columns() []string {
	return storage.InsertColumns()
}

// Record flattens one work into a row aligned with Columns. fetchedAt stamps
// the row with the ingest time of its window fetch.
func Record(w openalex.Work, fetchedAt time.Time) ([]any, error) {
	id, err := recordID(w)
	if err != nil {
		return nil, err
	}

	loc := w.PrimaryLocation
	var src *openalex.Source
	if loc != nil {
		src = loc.Source
	}

	var topic *openalex.TopicAssignment
	if len(w.Topics) > 0 {
		topic = &w.Topics[0]
	}

	row := make([]any, 0, len(storage.InsertColumns()))

	// Identity.
	row = append(row,
		id,
		nullString(doi(w)),
		nullString(w.Title),
		nullString(w.DisplayName),
	)

	// Temporal.
	row = append(row,
		fromIntPtr(w.PublicationYear),
		nullString(w.PublicationDate),
		nullString(w.CreatedDate),
		nullString(w.UpdatedDate),
	)

	// Basic metadata.
	row = append(row,
		nullString(w.Language),
		nullString(w.Type),
		nullString(w.TypeCrossref),
	)

	// Open access.
	if loc != nil {
		row = append(row, fromBoolPtr(loc.IsOA), nullString(loc.OAStatus), nullString(loc.PDFURL))
	} else {
		row = append(row, nil, nil, nil)
	}

	// Quantitative measures.
	row = append(row,
		fromIntPtr(w.CitedByCount),
		len(w.ReferencedWorks),
		len(w.Authorships),
		distinctCountries(w.Authorships),
		distinctInstitutions(w.Authorships),
	)

	// Citation metrics.
	if cm := w.CitationMetrics; cm != nil {
		row = append(row, fromFloatPtr(cm.NormalizedPercentile), fromBoolPtr(cm.IsInTop1Percent), fromBoolPtr(cm.IsInTop10Percent))
	} else {
		row = append(row, nil, nil, nil)
	}

	// Venue.
	if src != nil {
		row = append(row,
			nullString(src.DisplayName),
			nullString(src.ISSNL),
			fromBoolPtr(src.IsOA),
			fromBoolPtr(src.IsIndexedInScopus),
			fromBoolPtr(src.IsCore),
			nullString(src.HostOrganizationName),
		)
	} else {
		row = append(row, nil, nil, nil, nil, nil, nil)
	}

	// Topic classification. Only the primary assignment is scored; the
	// subfield, field and domain levels carry names alone.
	if topic != nil {
		row = append(row,
			nullString(topic.DisplayName),
			fromFloatPtr(topic.Score),
			levelName(topic.Subfield),
			levelName(topic.Field),
			levelName(topic.Domain),
		)
	} else {
		row = append(row, nil, nil, nil, nil, nil)
	}

	// Flags.
	row = append(row,
		fromBoolPtr(w.IsRetracted),
		fromBoolPtr(w.IsParatext),
		fromBoolPtr(w.HasFulltext),
	)

	// Ingest bookkeeping.
	row = append(row, fetchedAt.UTC())

	return row, nil
}

// recordID picks the work's key: the API id, then the alternative id set,
// then a derived fallback hash.
func recordID(w openalex.Work) (string, error) {
	if w.ID != "" {
		return w.ID, nil
	}
	if w.IDs != nil && w.IDs.OpenAlex != "" {
		return w.IDs.OpenAlex, nil
	}
	return fallbackID(w)
}

// fallbackID derives a stable synthetic id from the work's descriptive
// fields. Titles are Unicode-normalized (NFKC) and case-folded first so the
// same paper hashes identically across API encodings.
func fallbackID(w openalex.Work) (string, error) {
	title := strings.ToLower(strings.TrimSpace(w.Title))
	if title == "" {
		title = strings.ToLower(strings.TrimSpace(w.DisplayName))
	}

	year := ""
	if w.PublicationYear != nil {
		year = fmt.Sprintf("%d", *w.PublicationYear)
	}

	d := doi(w)
	if title == "" && d == "" && year == "" && w.PublicationDate == "" {
		return "", ErrNoIdentifier
	}

	basis := norm.NFKC.String(title + "|" + d + "|" + year + "|" + w.PublicationDate)
	sum := sha1.Sum([]byte(basis))
	return "fallback_" + hex.EncodeToString(sum[:]), nil
}

func doi(w openalex.Work) string {
	if w.DOI != "" {
		return w.DOI
	}
	if w.IDs != nil {
		return w.IDs.DOI
	}
	return ""
}

func distinctCountries(authorships []openalex.Authorship) int {
	seen := map[string]struct{}{}
	for _, a := range authorships {
		if a.CountryCode != "" {
			seen[a.CountryCode] = struct{}{}
		}
	}
	return len(seen)
}

func distinctInstitutions(authorships []openalex.Authorship) int {
	seen := map[string]struct{}{}
	for _, a := range authorships {
		for _, inst := range a.Institutions {
			if inst.ID != "" {
				seen[inst.ID] = struct{}{}
			}
		}
	}
	return len(seen)
}

func levelName(l *openalex.TopicLevel) any {
	if l == nil {
		return nil
	}
	return nullString(l.DisplayName)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromIntPtr(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func fromFloatPtr(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func fromBoolPtr(p *bool) any {
	if p == nil {
		return nil
	}
	return *p
}
