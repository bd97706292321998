/*
Package extern holds HTTP clients for the services the rewards engine
depends on but does not own: the entity directory (drivers, sponsor
organizations) and the email gateway.

All calls are best-effort from the engine's point of view; callers
decide whether a failure is fatal.
*/
package extern

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/driver-rewards/ledger"
)

// DefaultTimeout bounds every outbound call.
const DefaultTimeout = 10 * time.Second

// DirectoryClient reads driver and sponsor records from the entity
// service.
type DirectoryClient struct {
	BaseURL string
	HTTP    *http.Client
	Log     zerolog.Logger
}

func NewDirectoryClient(baseURL string, log zerolog.Logger) *DirectoryClient {
	return &DirectoryClient{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: DefaultTimeout},
		Log:     log,
	}
}

// OrderPlacedNotificationEnabled returns whether the driver opted in to
// purchase confirmations. The entity service stores the flag as 0/1.
func (c *DirectoryClient) OrderPlacedNotificationEnabled(ctx context.Context, driver ledger.DriverID) (bool, error) {
	var body struct {
		DriverOrderPlacedNotification int `json:"DriverOrderPlacedNotification"`
	}
	u := c.BaseURL + "/driver?DriverEmail=" + url.QueryEscape(string(driver))
	if err := c.getJSON(ctx, u, &body); err != nil {
		return false, err
	}
	return body.DriverOrderPlacedNotification != 0, nil
}

// PointDollarRatio returns the sponsor's points-per-dollar conversion
// rate.
func (c *DirectoryClient) PointDollarRatio(ctx context.Context, sponsor ledger.SponsorID) (decimal.Decimal, error) {
	var body struct {
		PointDollarRatio json.Number `json:"PointDollarRatio"`
	}
	u := fmt.Sprintf("%s/organization?OrganizationID=%d", c.BaseURL, int64(sponsor))
	if err := c.getJSON(ctx, u, &body); err != nil {
		return decimal.Decimal{}, err
	}
	ratio, err := decimal.NewFromString(body.PointDollarRatio.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("bad point-dollar ratio %q: %w", body.PointDollarRatio, err)
	}
	return ratio, nil
}

func (c *DirectoryClient) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("directory response decode: %w", err)
	}
	return nil
}
