package intake

import (
	"encoding/json"
	"testing"
)

func newTestResolver() *Resolver {
	return NewResolver(1000, 999999)
}

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("bad test payload: %v", err)
	}
	return payload
}

func TestResolveKnownPayloadShapes(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    string
	}{
		{"resourceIds array", `{"event":"peopleStageUpdated","resourceIds":[4821]}`, "4821"},
		{"resourceIds string element", `{"resourceIds":["4821"]}`, "4821"},
		{"uri query parameter", `{"uri":"https://api.followupboss.com/v1/people?id=4821"}`, "4821"},
		{"uri path segment", `{"uri":"https://api.followupboss.com/v1/people/4821"}`, "4821"},
		{"uri path segment with query", `{"uri":"/people/4821?fields=stage"}`, "4821"},
		{"flat personId", `{"personId":4821}`, "4821"},
		{"flat person_id", `{"person_id":"4821"}`, "4821"},
		{"flat id", `{"id":4821}`, "4821"},
		{"data.people array", `{"data":{"people":[{"id":4821,"stage":"Lead"}]}}`, "4821"},
		{"data.person object", `{"data":{"person":{"id":4821}}}`, "4821"},
		{"subject object", `{"subject":{"id":4821}}`, "4821"},
		{"event.person object", `{"event":{"person":{"id":4821}}}`, "4821"},
		{"shallow contact_id alias", `{"contact_id":4821,"note":"hi"}`, "4821"},
		{"deep nested scan", `{"meta":{"delivery":{"lead":{"ref":4821}}}}`, "4821"},
	}

	r := newTestResolver()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _, ok := r.Resolve(decode(t, tc.payload))
			if !ok {
				t.Fatalf("expected person id to resolve")
			}
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestResolvePrefersResourceIDsOverURI(t *testing.T) {
	payload := decode(t, `{"resourceIds":[4821],"uri":"/people/9999"}`)
	got, _, ok := newTestResolver().Resolve(payload)
	if !ok || got != "4821" {
		t.Fatalf("expected resourceIds to win, got %q (ok=%v)", got, ok)
	}
}

func TestResolveIgnoresOutOfRangeNumbers(t *testing.T) {
	// 12 is below the plausible id floor and 5000000 above the ceiling; the
	// deep scan must not promote either.
	payload := decode(t, `{"count":12,"timestamp":5000000}`)
	got, inspection, ok := newTestResolver().Resolve(payload)
	if ok {
		t.Fatalf("expected no resolution, got %q", got)
	}
	if inspection == nil {
		t.Fatalf("expected an inspection trace when all strategies fail")
	}
	if len(inspection.FoundIDs) != 0 {
		t.Fatalf("expected no candidates, got %v", inspection.FoundIDs)
	}
}

func TestResolveDeepScanRecordsInspection(t *testing.T) {
	payload := decode(t, `{"wrapper":{"inner":{"contact":4821}},"noise":"x"}`)
	got, inspection, ok := newTestResolver().Resolve(payload)
	if !ok || got != "4821" {
		t.Fatalf("expected deep scan to find 4821, got %q (ok=%v)", got, ok)
	}
	if inspection == nil {
		t.Fatalf("expected inspection trace from deep scan")
	}
	if len(inspection.FoundIDs) != 1 || inspection.FoundIDs[0].Path != "wrapper.inner.contact" {
		t.Fatalf("expected candidate path recorded, got %v", inspection.FoundIDs)
	}
}

func TestResolveKnownShapeLeavesNoInspection(t *testing.T) {
	_, inspection, ok := newTestResolver().Resolve(decode(t, `{"resourceIds":[4821]}`))
	if !ok {
		t.Fatalf("expected resolution")
	}
	if inspection != nil {
		t.Fatalf("expected no inspection for a first-class shape")
	}
}

func TestResolveEmptyPayload(t *testing.T) {
	if _, _, ok := newTestResolver().Resolve(map[string]any{}); ok {
		t.Fatalf("expected empty payload to fail resolution")
	}
}
