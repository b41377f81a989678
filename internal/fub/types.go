// Package fub is the Follow Up Boss API client used by the intake service
// and the backfill reconciler. It only reads: single person lookups and
// paginated stage listings.
package fub

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Person is a CRM person record with the fields the stage tracker snapshots.
// Custom fields come back null unless explicitly requested, so the client
// always passes an explicit fields parameter.
type Person struct {
	ID             int64      `json:"id"`
	FirstName      string     `json:"firstName"`
	LastName       string     `json:"lastName"`
	Stage          string     `json:"stage"`
	Tags           []string   `json:"tags"`
	AssignedUserID *int64     `json:"assignedUserId"`
	AssignedTo     AssignedTo `json:"assignedTo"`
	Updated        string     `json:"updated"`

	CustomCampaignID       string `json:"customCampaignID"`
	CustomWhoPushedTheLead string `json:"customWhoPushedTheLead"`
	CustomParcelCounty     string `json:"customParcelCounty"`
	CustomParcelState      string `json:"customParcelState"`
	CustomParcelZip        string `json:"customParcelZip"`

	// Raw is the person object exactly as the API returned it, stored on the
	// ledger row for forensic queries against fields we do not model.
	Raw json.RawMessage `json:"-"`
}

// PersonID returns the person's identifier as the string form the ledger uses.
func (p *Person) PersonID() string {
	return strconv.FormatInt(p.ID, 10)
}

// UpdatedAt parses the person's last-modified timestamp. Returns the zero
// time when the field is missing or malformed.
func (p *Person) UpdatedAt() time.Time {
	if p.Updated == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, p.Updated)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// AssignedTo tolerates the two shapes the API has used over time: a bare
// string name and an object with a name field.
type AssignedTo struct {
	Name string
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *AssignedTo) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		return nil
	}
	if strings.HasPrefix(trimmed, "\"") {
		return json.Unmarshal(data, &a.Name)
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	a.Name = obj.Name
	return nil
}
