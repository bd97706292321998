package extern

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/warp/driver-rewards/ledger"
	"github.com/warp/driver-rewards/purchase"
)

// EmailNotifier sends purchase confirmations through the email gateway.
// Implements purchase.Notifier.
type EmailNotifier struct {
	BaseURL string
	HTTP    *http.Client
	Log     zerolog.Logger
}

func NewEmailNotifier(baseURL string, log zerolog.Logger) *EmailNotifier {
	return &EmailNotifier{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: DefaultTimeout},
		Log:     log,
	}
}

// OrderPlaced dispatches a purchase confirmation email.
func (n *EmailNotifier) OrderPlaced(ctx context.Context, driver ledger.DriverID, purchaseID purchase.PurchaseID, total ledger.Points) error {
	payload := map[string]string{
		"username":     string(driver),
		"emailSubject": "Your order has been placed",
		"emailBody": fmt.Sprintf("Order #%d has been placed for %s points.",
			int64(purchaseID), total.String()),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.BaseURL+"/send-email", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("email gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("email gateway returned status %d", resp.StatusCode)
	}

	n.Log.Debug().
		Str("driver", string(driver)).
		Int64("purchase", int64(purchaseID)).
		Msg("purchase confirmation sent")
	return nil
}
