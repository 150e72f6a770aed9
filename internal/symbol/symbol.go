// Package symbol normalizes instrument symbols across broker formats and
// matches strategy instruments against broker positions.
package symbol

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/camuig/quant-trader/internal/model"
)

var optionPattern = regexp.MustCompile(`^([A-Z]+)([0-9]{6})([CP])([0-9]+)$`)

var marketSuffixes = []string{".US", ".HK", ".SH", ".SZ", "-US", "-HK"}

// index roots whose option chains trade under a different root
var rootAliases = map[string][]string{
	"SPX":  {"SPX", "SPXW"},
	"SPXW": {"SPX", "SPXW"},
	"NDX":  {"NDX", "NDXP"},
	"NDXP": {"NDX", "NDXP"},
	"RUT":  {"RUT", "RUTW"},
	"RUTW": {"RUT", "RUTW"},
	"XSP":  {"XSP"},
}

// Normalize upper-cases s and strips market suffixes and the leading dot
// some vendors put on index symbols.
func Normalize(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, suffix := range marketSuffixes {
		if strings.HasSuffix(s, suffix) {
			s = strings.TrimSuffix(s, suffix)
			break
		}
	}
	return strings.TrimPrefix(s, ".")
}

// Option is a parsed OCC-style contract symbol such as QQQ260205P598000.
type Option struct {
	Root   string
	Expiry time.Time
	Right  model.OptionRight
	Strike float64
}

// ParseOption parses ROOT + YYMMDD + C|P + strike*1000.
func ParseOption(s string) (Option, bool) {
	m := optionPattern.FindStringSubmatch(Normalize(s))
	if m == nil {
		return Option{}, false
	}
	expiry, err := time.Parse("060102", m[2])
	if err != nil {
		return Option{}, false
	}
	strike, err := strconv.ParseInt(m[4], 10, 64)
	if err != nil {
		return Option{}, false
	}
	right := model.OptionCall
	if m[3] == "P" {
		right = model.OptionPut
	}
	return Option{Root: m[1], Expiry: expiry, Right: right, Strike: float64(strike) / 1000}, true
}

func IsOption(s string) bool {
	_, ok := ParseOption(s)
	return ok
}

// Underlying returns the canonical underlying of s. Option contracts resolve
// to their root and alias roots collapse onto one name (SPXW -> SPX), so
// every leg on one underlying shares a key.
func Underlying(s string) string {
	root := Normalize(s)
	if opt, ok := ParseOption(root); ok {
		root = opt.Root
	}
	if aliases, ok := rootAliases[root]; ok {
		return aliases[0]
	}
	return root
}

// OptionPrefixes lists the option chain roots traded for an underlying.
func OptionPrefixes(underlying string) []string {
	root := Normalize(underlying)
	if aliases, ok := rootAliases[root]; ok {
		return aliases
	}
	return []string{root}
}

// Matches reports whether a broker position symbol belongs to an instance
// with the given nominal symbol and traded symbol. A concrete option
// contract in traded must match exactly; otherwise any option contract on
// one of the nominal underlying's chain roots matches.
func Matches(nominal, traded, position string) bool {
	pos := Normalize(position)
	if pos == "" {
		return false
	}
	if traded != "" {
		t := Normalize(traded)
		if t == pos {
			return true
		}
		if IsOption(t) {
			return false
		}
	}
	if Normalize(nominal) == pos {
		return true
	}
	opt, ok := ParseOption(pos)
	if !ok {
		return false
	}
	for _, prefix := range OptionPrefixes(nominal) {
		if opt.Root == prefix {
			return true
		}
	}
	return false
}

// ExpiresOn reports whether s is an option contract expiring on the calendar
// date of day.
func ExpiresOn(s string, day time.Time) bool {
	opt, ok := ParseOption(s)
	if !ok {
		return false
	}
	y, m, d := day.Date()
	return opt.Expiry.Year() == y && opt.Expiry.Month() == m && opt.Expiry.Day() == d
}
