package scrub

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Date scrubbing. A specific date value from a scrub-source column is
// expanded into a pattern matching the many ways that date is written in
// free text: D-M-Y / M-D-Y / Y-M-D orderings, numeric or named months,
// assorted separators, optional ordinal day suffixes. A separate generic
// matcher covers scrub_all_dates.

var monthNamePatterns = []string{
	`jan(?:uary)?`, `feb(?:ruary)?`, `mar(?:ch)?`, `apr(?:il)?`, `may`,
	`jun(?:e)?`, `jul(?:y)?`, `aug(?:ust)?`, `sep(?:t(?:ember)?)?`,
	`oct(?:ober)?`, `nov(?:ember)?`, `dec(?:ember)?`,
}

var monthAbbrevs = []string{
	"jan", "feb", "mar", "apr", "may", "jun",
	"jul", "aug", "sep", "oct", "nov", "dec",
}

const dateSep = `[\s,./-]*`
const ordinal = `(?:st|nd|rd|th)?`

// sourceDateLayouts are the layouts accepted for scrub-source date cells.
// Database drivers render dates in a narrow set of shapes; free-text
// variety is the pattern's job, not the parser's.
var sourceDateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02",
	"02/01/2006",
	"2 Jan 2006",
	"2 January 2006",
}

// parseSourceDate parses a date cell from a source database.
func parseSourceDate(value string) (time.Time, error) {
	v := strings.TrimSpace(value)
	for _, layout := range sourceDateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", value)
}

// datePattern expands one specific date into a matching pattern.
func datePattern(t time.Time, boundary Boundary) string {
	day := dayPattern(t.Day())
	month := monthPattern(int(t.Month()))
	year := yearPattern(t.Year())

	orderings := []string{
		day + dateSep + month + dateSep + year,
		month + dateSep + day + dateSep + year,
		year + dateSep + month + dateSep + day,
	}
	return boundary.wrap("(?:" + strings.Join(orderings, "|") + ")")
}

func dayPattern(d int) string {
	if d < 10 {
		return fmt.Sprintf("0?%d%s", d, ordinal)
	}
	return fmt.Sprintf("%d%s", d, ordinal)
}

func monthPattern(m int) string {
	name := monthNamePatterns[m-1]
	if m < 10 {
		return fmt.Sprintf("(?:0?%d|%s)", m, name)
	}
	return fmt.Sprintf("(?:%d|%s)", m, name)
}

func yearPattern(y int) string {
	return fmt.Sprintf("(?:%d|%02d)", y, y%100)
}

// genericDatePatterns match any plausible date for scrub_all_dates.
func genericDatePatterns(boundary Boundary) []string {
	months := "(?:" + strings.Join(monthNamePatterns, "|") + ")"
	numeric2 := `\d{1,2}`
	year := `\d{4}|\d{2}`

	// The separator before the year must be non-empty, or a blurred
	// replacement such as "[Sep 1990]" would itself parse as month,
	// two-digit day, two-digit year.
	sepReq := `[\s,./-]+`
	pats := []string{
		// 03/09/1990, 3.9.90, 1990-09-03
		numeric2 + `[./-]` + numeric2 + `[./-](?:` + year + `)`,
		`\d{4}[./-]` + numeric2 + `[./-]` + numeric2,
		// 2 Sep 1990, 2nd of September 1990
		numeric2 + ordinal + `(?:\s+of)?` + dateSep + months + sepReq + `(?:` + year + `)`,
		// Sep 2, 1990 / September 2nd 1990
		months + dateSep + numeric2 + ordinal + sepReq + `(?:` + year + `)`,
	}
	out := make([]string, len(pats))
	for i, p := range pats {
		out[i] = boundary.wrap(p)
	}
	return out
}

// parseLooseDate parses a matched free-text date: ordinals stripped,
// separators normalised, month by name or position. Used for date
// blurring, so only month and year need to be trustworthy.
func parseLooseDate(s string) (time.Time, bool) {
	norm := strings.ToLower(s)
	for _, sep := range []string{",", "/", ".", "-"} {
		norm = strings.ReplaceAll(norm, sep, " ")
	}
	norm = strings.ReplaceAll(norm, " of ", " ")
	fields := strings.Fields(norm)
	if len(fields) != 3 {
		return time.Time{}, false
	}

	var day, month, year int
	var haveMonth bool
	rest := make([]int, 0, 3)
	for _, f := range fields {
		if m, ok := monthByName(f); ok {
			month, haveMonth = m, true
			continue
		}
		f = strings.TrimSuffix(strings.TrimSuffix(strings.TrimSuffix(strings.TrimSuffix(f, "st"), "nd"), "rd"), "th")
		n, err := strconv.Atoi(f)
		if err != nil {
			return time.Time{}, false
		}
		rest = append(rest, n)
	}

	switch {
	case haveMonth && len(rest) == 2:
		// Named month: whichever number cannot be a day is the year.
		if rest[0] > 31 {
			year, day = rest[0], rest[1]
		} else {
			day, year = rest[0], rest[1]
		}
	case !haveMonth && len(rest) == 3:
		if rest[0] > 31 { // Y-M-D
			year, month, day = rest[0], rest[1], rest[2]
		} else { // D-M-Y; fall back to M-D-Y when the month slot is impossible
			day, month, year = rest[0], rest[1], rest[2]
			if month > 12 && day <= 12 {
				day, month = month, day
			}
		}
	default:
		return time.Time{}, false
	}

	if year < 100 {
		if year < 30 {
			year += 2000
		} else {
			year += 1900
		}
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), true
}

func monthByName(f string) (int, bool) {
	f = strings.TrimRight(f, ".")
	for i, ab := range monthAbbrevs {
		full := strings.ToLower(time.Month(i + 1).String())
		if f == ab || f == full {
			return i + 1, true
		}
		if i == 8 && f == "sept" {
			return 9, true
		}
	}
	return 0, false
}

// formatBlurredDate renders a parsed date through the restricted strftime
// subset (%b %B %m %Y %y %%). Config validation guarantees no other
// directive reaches here.
func formatBlurredDate(format string, t time.Time) string {
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		if format[i] != '%' || i+1 >= len(format) {
			b.WriteByte(format[i])
			continue
		}
		i++
		switch format[i] {
		case 'b':
			b.WriteString(t.Format("Jan"))
		case 'B':
			b.WriteString(t.Format("January"))
		case 'm':
			b.WriteString(t.Format("01"))
		case 'Y':
			b.WriteString(t.Format("2006"))
		case 'y':
			b.WriteString(t.Format("06"))
		case '%':
			b.WriteByte('%')
		}
	}
	return b.String()
}

// dateReplacer returns the replacement function for a date rule: blurring
// when the format asks for it, the plain replacement otherwise.
func dateReplacer(blurFormat, plain string) func(match string) string {
	if blurFormat == "" {
		return func(string) string { return plain }
	}
	return func(match string) string {
		if t, ok := parseLooseDate(match); ok {
			return formatBlurredDate(blurFormat, t)
		}
		return plain
	}
}
