package domain

// Submission is the wire shape of a tracking request as emitted by the
// website's client-side tracker.
type Submission struct {
	SessionID   string         `json:"sessionId"`
	EventType   string         `json:"eventType"`
	PagePath    string         `json:"pagePath,omitempty"`
	Referrer    string         `json:"referrer,omitempty"`
	UTMSource   string         `json:"utmSource,omitempty"`
	UTMMedium   string         `json:"utmMedium,omitempty"`
	UTMCampaign string         `json:"utmCampaign,omitempty"`
	UTMContent  string         `json:"utmContent,omitempty"`
	UTMTerm     string         `json:"utmTerm,omitempty"`
	Locale      string         `json:"locale,omitempty"`
	UserAgent   string         `json:"userAgent,omitempty"`
	ScreenWidth int            `json:"screenWidth,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Event is a normalized telemetry record ready for storage. Every string is
// already capped at its column width and Metadata is a serialized JSON
// document ("{}" when the submission carried none, never empty). Rows are
// immutable once written.
type Event struct {
	SessionID   string
	EventType   string
	PagePath    string
	Referrer    string
	UTMSource   string
	UTMMedium   string
	UTMCampaign string
	UTMContent  string
	UTMTerm     string
	Locale      string
	UserAgent   string
	ScreenWidth int // 0 means not reported
	Country     string
	City        string
	Metadata    string
}

// Identity scopes a quota decision: the authenticated user id when the
// visitor is logged in, otherwise the anonymous session id.
type Identity struct {
	SessionID string
	UID       string
}

// Authenticated reports whether the identity carries a user id.
func (id Identity) Authenticated() bool { return id.UID != "" }

// EventDemoConsent is the event type counted by the demo quota.
const EventDemoConsent = "demo_consent"

// Column widths for sanitization (keep in sync with migrations/0001_init.sql).
const (
	MaxSessionIDLen = 64
	MaxEventTypeLen = 50
	MaxPagePathLen  = 500
	MaxReferrerLen  = 1000
	MaxUTMLen       = 200
	MaxLocaleLen    = 10
	MaxUserAgentLen = 1000
	MaxCountryLen   = 2
	MaxCityLen      = 200

	MaxScreenWidth = 10_000
)

// allowedEventTypes is the closed whitelist of accepted event types.
var allowedEventTypes = map[string]struct{}{
	"pageview":           {},
	"cta_click":          {},
	"demo_start":         {},
	EventDemoConsent:     {},
	"demo_limit_reached": {},
	"pricing_view":       {},
	"app_store_click":    {},
	"language_switch":    {},
	"scroll_depth":       {},
	"outbound_click":     {},
}

// AllowedEventType reports whether t is a member of the whitelist.
func AllowedEventType(t string) bool {
	_, ok := allowedEventTypes[t]
	return ok
}
