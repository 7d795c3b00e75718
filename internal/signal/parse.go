package signal

import (
	"fmt"
	"regexp"
	"strings"

	"signal-core/pkg/broker"
)

// Parsed is the raw field set extracted from a notification, before the
// entry time is resolved.
type Parsed struct {
	Provider  string
	Asset     string
	Direction broker.Direction
	EntryTime string // H:MM or HH:MM in Timezone
	Timezone  string // Etc/GMT±N
}

var (
	attrPattern      = regexp.MustCompile(`(\w+)="([^"]*)"`)
	slashAsset       = regexp.MustCompile(`\b([A-Za-z]{3})/([A-Za-z]{3})\b`)
	plainAsset       = regexp.MustCompile(`\b([A-Z]{6})\b`)
	timePattern      = regexp.MustCompile(`\b(\d{1,2}:\d{2})\b`)
	directionPattern = regexp.MustCompile(`(?i)\b(buy|sell|call|put)\b`)
	timezonePattern  = regexp.MustCompile(`^Etc/GMT[+-]\d{1,2}$`)
)

// Parse extracts a signal from free notification text such as
//
//	EUR/USD OTC
//	Entry at 19:55
//	BUY
//	signal_provider="john_doe"
//	timezone="Etc/GMT+4"
//
// A missing field is ErrParse; a present but unusable one is ErrValidation.
func Parse(text string) (Parsed, error) {
	attrs := map[string]string{}
	for _, m := range attrPattern.FindAllStringSubmatch(text, -1) {
		attrs[strings.ToLower(m[1])] = strings.TrimSpace(m[2])
	}
	// Free-text tokens are searched with the attributes removed so quoted
	// values cannot be mistaken for an asset or a direction.
	body := attrPattern.ReplaceAllString(text, " ")

	var p Parsed

	p.Provider = attrs["signal_provider"]
	if p.Provider == "" {
		return Parsed{}, fmt.Errorf("%w: missing signal_provider", ErrParse)
	}

	tz, ok := attrs["timezone"]
	if !ok || tz == "" {
		return Parsed{}, fmt.Errorf("%w: missing timezone", ErrParse)
	}
	if !timezonePattern.MatchString(tz) {
		return Parsed{}, fmt.Errorf("%w: timezone %q (want Etc/GMT±N)", ErrValidation, tz)
	}
	p.Timezone = tz

	if m := slashAsset.FindStringSubmatch(body); m != nil {
		p.Asset = strings.ToUpper(m[1] + m[2])
	} else if m := plainAsset.FindStringSubmatch(body); m != nil {
		p.Asset = m[1]
	} else {
		return Parsed{}, fmt.Errorf("%w: missing asset pair", ErrParse)
	}

	m := timePattern.FindStringSubmatch(body)
	if m == nil {
		return Parsed{}, fmt.Errorf("%w: missing entry time", ErrParse)
	}
	p.EntryTime = m[1]

	rawDir, explicit := attrs["direction"]
	if !explicit {
		d := directionPattern.FindStringSubmatch(body)
		if d == nil {
			return Parsed{}, fmt.Errorf("%w: missing direction", ErrParse)
		}
		rawDir = d[1]
	}
	dir, err := NormalizeDirection(rawDir)
	if err != nil {
		return Parsed{}, err
	}
	p.Direction = dir

	return p, nil
}
