package extern_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/warp/driver-rewards/extern"
	"github.com/warp/driver-rewards/ledger"
)

// =============================================================================
// DIRECTORY CLIENT
// =============================================================================

func TestOrderPlacedNotificationEnabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/driver", r.URL.Path)
		flag := 0
		if r.URL.Query().Get("DriverEmail") == "optin@x.com" {
			flag = 1
		}
		json.NewEncoder(w).Encode(map[string]int{"DriverOrderPlacedNotification": flag})
	}))
	defer srv.Close()

	c := extern.NewDirectoryClient(srv.URL, zerolog.Nop())

	enabled, err := c.OrderPlacedNotificationEnabled(context.Background(), "optin@x.com")
	require.NoError(t, err)
	require.True(t, enabled)

	enabled, err = c.OrderPlacedNotificationEnabled(context.Background(), "optout@x.com")
	require.NoError(t, err)
	require.False(t, enabled)
}

func TestPointDollarRatio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/organization", r.URL.Path)
		require.Equal(t, "7", r.URL.Query().Get("OrganizationID"))
		json.NewEncoder(w).Encode(map[string]any{"PointDollarRatio": 1.25})
	}))
	defer srv.Close()

	c := extern.NewDirectoryClient(srv.URL, zerolog.Nop())

	ratio, err := c.PointDollarRatio(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, "1.25", ratio.String())
}

func TestDirectory_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := extern.NewDirectoryClient(srv.URL, zerolog.Nop())

	_, err := c.OrderPlacedNotificationEnabled(context.Background(), "a@x.com")
	require.Error(t, err)

	_, err = c.PointDollarRatio(context.Background(), 1)
	require.Error(t, err)
}

// =============================================================================
// EMAIL NOTIFIER
// =============================================================================

func TestOrderPlaced_SendsLegacyPayload(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/send-email", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := extern.NewEmailNotifier(srv.URL, zerolog.Nop())

	err := n.OrderPlaced(context.Background(), "alice@x.com", 42, ledger.NewPoints(12.5))
	require.NoError(t, err)

	require.Equal(t, "alice@x.com", got["username"])
	require.Equal(t, "Your order has been placed", got["emailSubject"])
	require.Contains(t, got["emailBody"], "Order #42")
	require.Contains(t, got["emailBody"], "12.5 points")
}

func TestOrderPlaced_GatewayErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := extern.NewEmailNotifier(srv.URL, zerolog.Nop())

	err := n.OrderPlaced(context.Background(), "alice@x.com", 1, ledger.NewPoints(5))
	require.Error(t, err)
}
