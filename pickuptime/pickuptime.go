// Package pickuptime parses the pickup date/time text of an order form into
// an instant in the business timezone.
package pickuptime

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"
)

// DefaultLayouts are tried in order; the first layout that consumes the
// whole cleaned string wins.
var DefaultLayouts = []string{
	"Mon Jan 2, 2006 3:04 PM",
	"Mon Jan 2 2006 3:04 PM",
	"Mon, Jan 2, 2006 3:04 PM",
	"Monday, January 2, 2006 3:04 PM",
	"Monday January 2, 2006 3:04 PM",
	"Jan 2, 2006 3:04 PM",
	"January 2, 2006 3:04 PM",
	"1/2/2006 3:04 PM",
	"2006-01-02 15:04",
}

// DefaultTimezone is the zone of the bakery the order form belongs to.
const DefaultTimezone = "America/New_York"

var ErrFormatMismatch = errors.New("date-format-mismatch")

// ParseError is returned when no layout matches. Raw is the input exactly as
// it was passed to Parse.
type ParseError struct {
	Raw     string
	Cleaned string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("pickup time %q matches no accepted layout", e.Raw)
}

func (e *ParseError) Is(target error) bool {
	return target == ErrFormatMismatch
}

var (
	tagPattern      = regexp.MustCompile(`<[^>]*>|</?[A-Za-z]+$|^/?[A-Za-z]+>`)
	meridiemPattern = regexp.MustCompile(`(?i)(\d)\s*([ap])\.?\s?m\.?(\W|$)`)
	atBeforeTime    = regexp.MustCompile(`(?i)\s+at\s+(\d)`)
	spacedComma     = regexp.MustCompile(`\s+,`)
)

// Parser converts pickup strings into zoned times. It is immutable and safe
// for concurrent use.
type Parser struct {
	loc     *time.Location
	layouts []string
}

// NewParser returns a Parser for loc. Extra layouts are tried after
// DefaultLayouts.
func NewParser(loc *time.Location, extra ...string) *Parser {
	if loc == nil {
		loc = time.Local
	}
	layouts := make([]string, 0, len(DefaultLayouts)+len(extra))
	layouts = append(layouts, DefaultLayouts...)
	for _, l := range extra {
		if l = strings.TrimSpace(l); l != "" {
			layouts = append(layouts, l)
		}
	}
	return &Parser{loc: loc, layouts: layouts}
}

// NewParserForZone loads an IANA zone name and returns a Parser for it.
func NewParserForZone(zone string, extra ...string) (*Parser, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", zone, err)
	}
	return NewParser(loc, extra...), nil
}

// Location returns the business timezone.
func (p *Parser) Location() *time.Location {
	return p.loc
}

// Parse cleans raw and reads it as wall-clock time in the business zone.
// No UTC conversion takes place.
func (p *Parser) Parse(raw string) (time.Time, error) {
	cleaned := Clean(raw)
	if cleaned != "" {
		for _, layout := range p.layouts {
			if t, err := time.ParseInLocation(layout, cleaned, p.loc); err == nil {
				return t, nil
			}
		}
	}
	return time.Time{}, &ParseError{Raw: raw, Cleaned: cleaned}
}

// Clean removes decoration the order form puts around the date: "@"
// separators, tag remnants, trailing commas and irregular spacing. Meridiem
// markers are upper-cased and separated from the minutes.
func Clean(raw string) string {
	s := tagPattern.ReplaceAllString(raw, " ")
	s = strings.ReplaceAll(s, "@", " ")
	s = strings.Join(strings.Fields(s), " ")
	s = meridiemPattern.ReplaceAllStringFunc(s, func(m string) string {
		sub := meridiemPattern.FindStringSubmatch(m)
		return sub[1] + " " + strings.ToUpper(sub[2]) + "M" + sub[3]
	})
	s = atBeforeTime.ReplaceAllString(s, " $1")
	s = spacedComma.ReplaceAllString(s, ",")
	s = strings.TrimRight(s, ", ")
	return strings.TrimSpace(s)
}
