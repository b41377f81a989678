// Package intake is the webhook ingestion bounded context: it resolves the
// affected person from whatever shape FUB delivers, fetches current CRM
// state, and records genuine stage transitions on the ledger.
package intake

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Candidate is a numeric value found during the last-resort deep scan.
type Candidate struct {
	Path  string `json:"path"`
	Value int64  `json:"value"`
}

// Inspection is the diagnostic trace persisted when the primary extraction
// strategies all fail and the resolver falls back to the deep scan. It is
// exposed on /debug/inspection so new payload shapes can be identified and
// promoted to a first-class strategy.
type Inspection struct {
	RawJSON   map[string]any `json:"raw_json"`
	Keys      []string       `json:"keys"`
	FoundIDs  []Candidate    `json:"found_ids"`
	Timestamp time.Time      `json:"timestamp"`
}

// Resolver extracts a person identifier from an arbitrarily-shaped webhook
// payload. FUB has delivered at least ten distinct shapes over the years;
// each is handled by an ordered strategy, first success wins.
type Resolver struct {
	scanMin int64
	scanMax int64
}

// NewResolver creates a resolver. The bounds delimit the numeric range a
// bare value must fall in to be considered a plausible person id during the
// scanning strategies.
func NewResolver(scanMin, scanMax int64) *Resolver {
	return &Resolver{scanMin: scanMin, scanMax: scanMax}
}

// Resolve returns the person id and true on success. When every well-known
// strategy fails it runs the deep scan and returns its inspection trace
// alongside the result; the trace is non-nil exactly when the deep scan ran.
func (r *Resolver) Resolve(payload map[string]any) (string, *Inspection, bool) {
	if len(payload) == 0 {
		return "", nil, false
	}

	strategies := []func(map[string]any) (string, bool){
		fromResourceIDs,
		fromURI,
		fromFlatAliases,
		fromNestedContainers,
		r.fromShallowScan,
	}
	for _, strat := range strategies {
		if id, ok := strat(payload); ok {
			return id, nil, true
		}
	}

	inspection := r.deepScan(payload)
	if len(inspection.FoundIDs) > 0 {
		return strconv.FormatInt(inspection.FoundIDs[0].Value, 10), inspection, true
	}
	return "", inspection, false
}

// fromResourceIDs handles the canonical FUB shape: a resourceIds array whose
// first element is the person id.
func fromResourceIDs(payload map[string]any) (string, bool) {
	ids, ok := payload["resourceIds"].([]any)
	if !ok || len(ids) == 0 {
		return "", false
	}
	return stringifyID(ids[0])
}

// fromURI extracts the id from a resource URI, either as an ?id= query
// parameter or a /people/{id} path segment.
func fromURI(payload map[string]any) (string, bool) {
	uri, ok := payload["uri"].(string)
	if !ok || uri == "" {
		return "", false
	}

	if idx := strings.Index(uri, "?id="); idx >= 0 {
		id := uri[idx+len("?id="):]
		if amp := strings.IndexByte(id, '&'); amp >= 0 {
			id = id[:amp]
		}
		if isDigits(id) {
			return id, true
		}
	}

	if idx := strings.LastIndex(uri, "/people/"); idx >= 0 {
		id := uri[idx+len("/people/"):]
		if slash := strings.IndexByte(id, '/'); slash >= 0 {
			id = id[:slash]
		}
		if q := strings.IndexByte(id, '?'); q >= 0 {
			id = id[:q]
		}
		if isDigits(id) {
			return id, true
		}
	}

	return "", false
}

// fromFlatAliases handles top-level personId / person_id / id fields.
func fromFlatAliases(payload map[string]any) (string, bool) {
	for _, key := range []string{"personId", "person_id", "id"} {
		if v, ok := payload[key]; ok {
			if id, ok := stringifyID(v); ok {
				return id, true
			}
		}
	}
	return "", false
}

// fromNestedContainers handles the known nested shapes:
// data.people[0].id, data.person.id, subject.id, event.person.id, event.id.
func fromNestedContainers(payload map[string]any) (string, bool) {
	if data, ok := payload["data"].(map[string]any); ok {
		if people, ok := data["people"].([]any); ok && len(people) > 0 {
			if person, ok := people[0].(map[string]any); ok {
				if id, ok := stringifyID(person["id"]); ok {
					return id, true
				}
			}
		}
		if person, ok := data["person"].(map[string]any); ok {
			if id, ok := stringifyID(person["id"]); ok {
				return id, true
			}
		}
	}

	if subject, ok := payload["subject"].(map[string]any); ok {
		if id, ok := stringifyID(subject["id"]); ok {
			return id, true
		}
	}

	if event, ok := payload["event"].(map[string]any); ok {
		if person, ok := event["person"].(map[string]any); ok {
			if id, ok := stringifyID(person["id"]); ok {
				return id, true
			}
		}
		if id, ok := stringifyID(event["id"]); ok {
			return id, true
		}
	}

	return "", false
}

// fromShallowScan walks the top-level keys looking for alias names, or an
// id-named key whose value falls in the plausible identifier range.
func (r *Resolver) fromShallowScan(payload map[string]any) (string, bool) {
	aliases := map[string]bool{
		"person_id": true, "personid": true,
		"contact_id": true, "contactid": true,
		"lead_id": true, "leadid": true,
	}

	for _, key := range sortedKeys(payload) {
		lower := strings.ToLower(key)
		if aliases[lower] {
			if id, ok := stringifyID(payload[key]); ok {
				return id, true
			}
		}
		if lower == "id" {
			if n, ok := numericValue(payload[key]); ok && r.inRange(n) {
				return strconv.FormatInt(n, 10), true
			}
		}
	}
	return "", false
}

// deepScan recursively collects every numeric value in the plausible id
// range, at any nesting depth, in deterministic traversal order.
func (r *Resolver) deepScan(payload map[string]any) *Inspection {
	inspection := &Inspection{
		RawJSON:   payload,
		Keys:      sortedKeys(payload),
		Timestamp: time.Now().UTC(),
	}
	inspection.FoundIDs = r.collectNumeric(payload, "")
	return inspection
}

func (r *Resolver) collectNumeric(value any, path string) []Candidate {
	var found []Candidate
	switch typed := value.(type) {
	case map[string]any:
		for _, key := range sortedKeys(typed) {
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			child := typed[key]
			switch child.(type) {
			case map[string]any, []any:
				found = append(found, r.collectNumeric(child, childPath)...)
			default:
				if n, ok := numericValue(child); ok && r.inRange(n) {
					found = append(found, Candidate{Path: childPath, Value: n})
				}
			}
		}
	case []any:
		for i, item := range typed {
			found = append(found, r.collectNumeric(item, path+"["+strconv.Itoa(i)+"]")...)
		}
	default:
		if n, ok := numericValue(value); ok && r.inRange(n) {
			found = append(found, Candidate{Path: path, Value: n})
		}
	}
	return found
}

func (r *Resolver) inRange(n int64) bool {
	return n >= r.scanMin && n <= r.scanMax
}

// stringifyID converts a payload value to an id string. JSON numbers arrive
// as float64; strings are accepted as-is when non-empty.
func stringifyID(v any) (string, bool) {
	switch typed := v.(type) {
	case string:
		trimmed := strings.TrimSpace(typed)
		return trimmed, trimmed != ""
	case float64:
		return strconv.FormatInt(int64(typed), 10), true
	case int:
		return strconv.Itoa(typed), true
	case int64:
		return strconv.FormatInt(typed, 10), true
	default:
		return "", false
	}
}

// numericValue parses a payload value as an integer, tolerating the string
// and float encodings JSON decoding produces.
func numericValue(v any) (int64, bool) {
	switch typed := v.(type) {
	case float64:
		if typed != float64(int64(typed)) {
			return 0, false
		}
		return int64(typed), true
	case int:
		return int64(typed), true
	case int64:
		return typed, true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
