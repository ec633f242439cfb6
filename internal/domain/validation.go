package domain

import (
	"encoding/json"
	"errors"
	"unicode/utf8"
)

// Validation failures surfaced to the caller as 400s. Everything else about a
// submission is repaired (truncated/clamped), never rejected.
var (
	ErrMissingFields    = errors.New("Missing sessionId or eventType")
	ErrInvalidEventType = errors.New("Invalid eventType")
)

// Normalize validates a raw submission and produces a storable Event.
// Policy: the two required fields and the whitelist are hard failures; every
// other field is truncated or clamped to its declared bound. Country and city
// are not part of the submission (edge-derived) and are set by the caller via
// Event.SetGeo.
func Normalize(s *Submission) (Event, error) {
	if s.SessionID == "" || s.EventType == "" {
		return Event{}, ErrMissingFields
	}
	if !AllowedEventType(s.EventType) {
		return Event{}, ErrInvalidEventType
	}

	width := s.ScreenWidth
	if width < 0 {
		width = 0
	} else if width > MaxScreenWidth {
		width = MaxScreenWidth
	}

	return Event{
		SessionID:   Truncate(s.SessionID, MaxSessionIDLen),
		EventType:   Truncate(s.EventType, MaxEventTypeLen),
		PagePath:    Truncate(s.PagePath, MaxPagePathLen),
		Referrer:    Truncate(s.Referrer, MaxReferrerLen),
		UTMSource:   Truncate(s.UTMSource, MaxUTMLen),
		UTMMedium:   Truncate(s.UTMMedium, MaxUTMLen),
		UTMCampaign: Truncate(s.UTMCampaign, MaxUTMLen),
		UTMContent:  Truncate(s.UTMContent, MaxUTMLen),
		UTMTerm:     Truncate(s.UTMTerm, MaxUTMLen),
		Locale:      Truncate(s.Locale, MaxLocaleLen),
		UserAgent:   Truncate(s.UserAgent, MaxUserAgentLen),
		ScreenWidth: width,
		Metadata:    marshalMetadata(s.Metadata),
	}, nil
}

// SetGeo attaches edge-derived geo fields, capped like every other string.
func (e *Event) SetGeo(country, city string) {
	e.Country = Truncate(country, MaxCountryLen)
	e.City = Truncate(city, MaxCityLen)
}

// Truncate caps s at max characters without splitting a multi-byte rune.
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

// marshalMetadata serializes the open-ended metadata document. The stored
// column is never NULL: absent or unserializable metadata becomes "{}".
func marshalMetadata(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}
