package compliance

import (
	"regexp"
	"strings"
)

// PIICategory names a class of personal data.
type PIICategory string

const (
	PIIIdentity      PIICategory = "identity"
	PIIFinancial     PIICategory = "financial"
	PIILocation      PIICategory = "location"
	PIICommunication PIICategory = "communication"
	PIIBehavioral    PIICategory = "behavioral"
	PIISecret        PIICategory = "secret"
)

// Field-name keywords per category. A field matches when its normalized name
// contains a keyword.
var fieldKeywords = []struct {
	category PIICategory
	keywords []string
}{
	{PIISecret, []string{"password", "passwd", "secret", "token", "api_key", "apikey", "authorization", "credential", "private_key"}},
	{PIIIdentity, []string{"email", "first_name", "last_name", "full_name", "firstname", "lastname", "ssn", "social_security", "passport", "national_id", "tax_id", "date_of_birth", "dob", "birth"}},
	{PIIFinancial, []string{"card_number", "cardnumber", "credit_card", "cvv", "iban", "account_number", "routing_number", "bank_account", "salary"}},
	{PIILocation, []string{"address", "street", "postal", "zip", "latitude", "longitude", "geo", "ip_address", "gps"}},
	{PIICommunication, []string{"phone", "mobile", "fax", "message_body", "sms"}},
	{PIIBehavioral, []string{"user_agent", "device_id", "session_id", "cookie", "browsing", "fingerprint"}},
}

var contentPatterns = []struct {
	category PIICategory
	pattern  *regexp.Regexp
}{
	{PIIIdentity, regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
	{PIIIdentity, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{PIICommunication, regexp.MustCompile(`\+?\d{1,3}?[ .\-]?\(?\d{3}\)?[ .\-]\d{3}[ .\-]\d{4}\b`)},
}

var cardPattern = regexp.MustCompile(`\b\d(?:[ -]?\d){12,18}\b`)

// identifierFields carry opaque references that are never personal data.
var identifierFields = []string{"idempotency_key", "correlation_id", "causation_id", "trace_id", "span_id"}

// Redacted is the replacement marker for a category.
func Redacted(category PIICategory) string {
	return "[REDACTED:" + string(category) + "]"
}

// Redact returns a deep copy of payload with personal data replaced. Values of
// sensitive field names are replaced whole; strings elsewhere have email, SSN,
// card and phone patterns masked.
func Redact(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}

	out := make(map[string]any, len(payload))
	for key, value := range payload {
		if category, ok := classifyField(key); ok {
			out[key] = Redacted(category)

			continue
		}

		if _, ok := value.(string); ok && isIdentifierField(key) {
			out[key] = value

			continue
		}

		out[key] = redactValue(value)
	}

	return out
}

func redactValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return Redact(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = redactValue(item)
		}

		return out
	case string:
		return redactString(typed)
	default:
		return v
	}
}

func redactString(s string) string {
	s = redactCards(s)

	for _, p := range contentPatterns {
		s = p.pattern.ReplaceAllString(s, Redacted(p.category))
	}

	return s
}

// redactCards masks digit runs that pass the Luhn check and stand alone. Runs
// glued to a hyphen, slash or letter belong to a larger token such as a UUID or
// an order reference.
func redactCards(s string) string {
	matches := cardPattern.FindAllStringIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	var b strings.Builder

	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		if partOfToken(s, start, end) || !luhnValid(s[start:end]) {
			continue
		}

		b.WriteString(s[last:start])
		b.WriteString(Redacted(PIIFinancial))
		last = end
	}

	b.WriteString(s[last:])

	return b.String()
}

func partOfToken(s string, start, end int) bool {
	glued := func(c byte) bool {
		return c == '-' || c == '_' || c == '/' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
	}

	return (start > 0 && glued(s[start-1])) || (end < len(s) && glued(s[end]))
}

func luhnValid(candidate string) bool {
	sum, digits := 0, 0

	for i := len(candidate) - 1; i >= 0; i-- {
		c := candidate[i]
		if c < '0' || c > '9' {
			continue
		}

		d := int(c - '0')
		if digits%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}

		sum += d
		digits++
	}

	return digits >= 13 && sum%10 == 0
}

func isIdentifierField(name string) bool {
	normalized := strings.ToLower(strings.NewReplacer("-", "_", " ", "_").Replace(name))
	if normalized == "id" || strings.HasSuffix(normalized, "_id") || strings.HasSuffix(normalized, "_ids") {
		return true
	}

	for _, field := range identifierFields {
		if strings.HasSuffix(normalized, field) {
			return true
		}
	}

	return false
}

func classifyField(name string) (PIICategory, bool) {
	normalized := strings.ToLower(strings.NewReplacer("-", "_", " ", "_").Replace(name))

	for _, group := range fieldKeywords {
		for _, keyword := range group.keywords {
			if strings.Contains(normalized, keyword) {
				return group.category, true
			}
		}
	}

	return "", false
}
