package fub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/T-SLP/fub-analytics/platform/apperr"
	"github.com/T-SLP/fub-analytics/platform/config"
	"github.com/T-SLP/fub-analytics/platform/logger"

	"golang.org/x/time/rate"
)

// personFields is the explicit field list for single-person lookups. The API
// returns custom fields as null unless they are requested by name, so every
// snapshot column the ledger stores must appear here.
const personFields = "id,firstName,lastName,stage,tags,assignedUserId,assignedTo," +
	"customCampaignID,customWhoPushedTheLead,customParcelCounty,customParcelState,customParcelZip"

// listFields is the lighter field list for stage listings during backfill.
// tags stays on the list: backfilled rows classify their lead source from it.
const listFields = "id,firstName,lastName,stage,tags,assignedTo,assignedUserId,updated"

const pageSize = 100

// Client is a rate-limited Follow Up Boss API client.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string
	authHeader string
	system     string
	systemKey  string
	log        *logger.Logger
}

// NewClient creates a client from configuration. Authentication is HTTP
// Basic with the API key as username and an empty password, plus the
// registered system identifier headers.
func NewClient(cfg *config.Config, log *logger.Logger) *Client {
	auth := base64.StdEncoding.EncodeToString([]byte(cfg.FUBAPIKey + ":"))
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(cfg.FUBRatePerSecond), cfg.FUBRateBurst),
		baseURL:    cfg.FUBBaseURL,
		authHeader: "Basic " + auth,
		system:     cfg.FUBSystem,
		systemKey:  cfg.FUBSystemKey,
		log:        log,
	}
}

// GetPerson fetches one person by id with the full snapshot field list.
func (c *Client) GetPerson(ctx context.Context, personID string) (*Person, error) {
	endpoint := fmt.Sprintf("%s/people/%s?fields=%s", c.baseURL, url.PathEscape(personID), url.QueryEscape(personFields))

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	// Historically the endpoint has returned both {"person": {...}} and the
	// bare person object.
	var envelope struct {
		Person json.RawMessage `json:"person"`
	}
	raw := body
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Person) > 0 {
		raw = envelope.Person
	}

	var person Person
	if err := json.Unmarshal(raw, &person); err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "malformed person response", err).WithOp("fub.GetPerson")
	}
	person.Raw = raw
	return &person, nil
}

// ListPeopleInStage returns every person currently in the given stage,
// following pagination until a short page.
func (c *Client) ListPeopleInStage(ctx context.Context, stage string) ([]Person, error) {
	var people []Person
	offset := 0

	for {
		params := url.Values{}
		params.Set("stage", stage)
		params.Set("limit", strconv.Itoa(pageSize))
		params.Set("offset", strconv.Itoa(offset))
		params.Set("fields", listFields)
		endpoint := c.baseURL + "/people?" + params.Encode()

		body, err := c.get(ctx, endpoint)
		if err != nil {
			return nil, err
		}

		var page struct {
			People []Person `json:"people"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, apperr.Wrap(apperr.KindUnavailable, "malformed people response", err).WithOp("fub.ListPeopleInStage")
		}

		people = append(people, page.People...)
		if len(page.People) < pageSize {
			return people, nil
		}
		offset += pageSize
	}
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-System", c.system)
	if c.systemKey != "" {
		req.Header.Set("X-System-Key", c.systemKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "fub api request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "fub api response read failed", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, apperr.NotFound("person not found")
	}
	if resp.StatusCode != http.StatusOK {
		c.log.Warn("fub api error", "status", resp.StatusCode, "endpoint", endpoint)
		return nil, apperr.Unavailable(fmt.Sprintf("fub api status %d", resp.StatusCode))
	}

	return body, nil
}
