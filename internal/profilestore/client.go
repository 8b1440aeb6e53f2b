// file: internal/profilestore/client.go
package profilestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/dkoosis/chargeauth/internal/logging"
)

// Client is a REST implementation of Store. Records live under
// {baseURL}/profiles/{uid}; a GET returning 404 means no record exists.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

// NewClient creates a profile store client for the given base URL.
func NewClient(baseURL string, timeout time.Duration, logger logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	if baseURL == "" {
		return nil, errors.New("profile store base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, errors.Wrapf(err, "invalid profile store base URL: %s", baseURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.WithField("component", "profile_store_client"),
	}, nil
}

// GetProfile fetches the record for uid, returning (nil, nil) when the store
// has no record for it.
func (c *Client) GetProfile(ctx context.Context, uid string) (*Record, error) {
	if uid == "" {
		return nil, errors.New("uid is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.profileURL(uid), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build profile request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "profile lookup failed for uid %s", uid)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		var record Record
		if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
			return nil, errors.Wrap(err, "failed to decode profile record")
		}
		return &record, nil
	case http.StatusNotFound:
		return nil, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Newf("profile store returned status %d: %s", resp.StatusCode, string(body))
	}
}

// UpsertProfile writes the full record for uid. The record is validated
// against the profile schema before any network I/O; a violating record is
// rejected locally.
func (c *Client) UpsertProfile(ctx context.Context, uid string, record Record) error {
	if uid == "" {
		return errors.New("uid is required")
	}
	if record.UID == "" {
		record.UID = uid
	}
	if record.UID != uid {
		return errors.Newf("record uid %q does not match target uid %q", record.UID, uid)
	}

	if violations := ValidateRecord(record); len(violations) > 0 {
		return errors.Newf("record failed schema validation: %s", strings.Join(violations, "; "))
	}

	record.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "failed to encode profile record")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.profileURL(uid), bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to build upsert request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "profile upsert failed for uid %s", uid)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Newf("profile store returned status %d: %s", resp.StatusCode, string(body))
	}

	c.logger.Debug("Profile record upserted.", "uid", uid)
	return nil
}

func (c *Client) profileURL(uid string) string {
	return fmt.Sprintf("%s/profiles/%s", c.baseURL, url.PathEscape(uid))
}

var _ Store = (*Client)(nil)
