package orders

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osiriscare/fleet/internal/envelope"
	"github.com/osiriscare/fleet/internal/events"
	"github.com/osiriscare/fleet/internal/store"
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, events.Event) {}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSelectRunbook(t *testing.T) {
	svc := &Service{}

	t.Run("single candidate", func(t *testing.T) {
		site := &store.Site{EnabledRunbooks: []string{"RB-LIN-SVC-001", "RB-BACKUP-001"}}
		id, err := svc.SelectRunbook(site, "service_health")
		require.NoError(t, err)
		assert.Equal(t, "RB-LIN-SVC-001", id)
	})

	t.Run("priority breaks ties", func(t *testing.T) {
		site := &store.Site{
			EnabledRunbooks: []string{"RB-LIN-FW-001", "RB-WIN-SEC-001"},
			RunbookPriority: []string{"RB-WIN-SEC-001"},
		}
		id, err := svc.SelectRunbook(site, "firewall_baseline")
		require.NoError(t, err)
		assert.Equal(t, "RB-WIN-SEC-001", id)
	})

	t.Run("mapping order without priority", func(t *testing.T) {
		site := &store.Site{EnabledRunbooks: []string{"RB-LIN-FW-001", "RB-WIN-SEC-001"}}
		id, err := svc.SelectRunbook(site, "firewall_baseline")
		require.NoError(t, err)
		assert.Equal(t, "RB-LIN-FW-001", id)
	})

	t.Run("catalogue filters candidates", func(t *testing.T) {
		site := &store.Site{EnabledRunbooks: []string{"RB-WIN-SEC-001"}}
		id, err := svc.SelectRunbook(site, "firewall_baseline")
		require.NoError(t, err)
		assert.Equal(t, "RB-WIN-SEC-001", id)
	})

	t.Run("empty catalogue allows everything", func(t *testing.T) {
		site := &store.Site{}
		id, err := svc.SelectRunbook(site, "time_sync")
		require.NoError(t, err)
		assert.Equal(t, "RB-TIME-SYNC-001", id)
	})

	t.Run("nothing enabled", func(t *testing.T) {
		site := &store.Site{EnabledRunbooks: []string{"RB-BACKUP-001"}}
		_, err := svc.SelectRunbook(site, "firewall_baseline")
		assert.ErrorIs(t, err, ErrRunbookNotInCatalogue)
	})

	t.Run("unknown check type", func(t *testing.T) {
		site := &store.Site{}
		_, err := svc.SelectRunbook(site, "unheard_of")
		assert.ErrorIs(t, err, ErrRunbookNotInCatalogue)
	})
}

func TestArgsHash(t *testing.T) {
	t.Run("stable across calls", func(t *testing.T) {
		a := map[string]string{"scope": "db01", "check_type": "service_health"}
		b := map[string]string{"check_type": "service_health", "scope": "db01"}
		assert.Equal(t, argsHash(a), argsHash(b))
	})

	t.Run("value changes digest", func(t *testing.T) {
		a := map[string]string{"scope": "db01"}
		b := map[string]string{"scope": "db02"}
		assert.NotEqual(t, argsHash(a), argsHash(b))
	})

	t.Run("key and value are delimited", func(t *testing.T) {
		a := map[string]string{"ab": "c"}
		b := map[string]string{"a": "bc"}
		assert.NotEqual(t, argsHash(a), argsHash(b))
	})

	t.Run("empty args", func(t *testing.T) {
		assert.Len(t, argsHash(nil), 16)
	})
}

func TestOrderSignatureRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	issuedAt := time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
	args := map[string]string{"check_type": "firewall_baseline", "scope": "local"}

	payload, err := envelope.OrderSigningBytes(
		"01J5ZK3W9GQ4R8XVTNBC2M7DEF", "clinic-west", "app-0001",
		"RB-LIN-FW-001", args, issuedAt, 900)
	require.NoError(t, err)

	sig := hex.EncodeToString(ed25519.Sign(priv, payload))

	t.Run("verifies against issuer key", func(t *testing.T) {
		raw, err := hex.DecodeString(sig)
		require.NoError(t, err)
		assert.True(t, ed25519.Verify(pub, payload, raw))
	})

	t.Run("tampered field breaks signature", func(t *testing.T) {
		tampered, err := envelope.OrderSigningBytes(
			"01J5ZK3W9GQ4R8XVTNBC2M7DEF", "clinic-west", "app-0002",
			"RB-LIN-FW-001", args, issuedAt, 900)
		require.NoError(t, err)

		raw, err := hex.DecodeString(sig)
		require.NoError(t, err)
		assert.False(t, ed25519.Verify(pub, tampered, raw))
	})

	t.Run("ttl is covered by the signature", func(t *testing.T) {
		stretched, err := envelope.OrderSigningBytes(
			"01J5ZK3W9GQ4R8XVTNBC2M7DEF", "clinic-west", "app-0001",
			"RB-LIN-FW-001", args, issuedAt, 86400)
		require.NoError(t, err)

		raw, err := hex.DecodeString(sig)
		require.NoError(t, err)
		assert.False(t, ed25519.Verify(pub, stretched, raw))
	})
}

func TestActionToStatus(t *testing.T) {
	cases := map[string]string{
		envelope.ActionL1:       store.OrderExecuted,
		envelope.ActionRejected: store.OrderRejected,
		envelope.ActionExpired:  store.OrderExpired,
		envelope.ActionFailed:   store.OrderFailed,
		envelope.ActionReverted: store.OrderReverted,
		envelope.ActionDeferred: store.OrderDeferred,
	}
	for action, want := range cases {
		assert.Equal(t, want, actionToStatus[action], "action %s", action)
	}

	// Routine healing outcomes carry no order attribution and must not
	// touch the order trail.
	_, ok := actionToStatus[envelope.ActionNone]
	assert.False(t, ok)
	_, ok = actionToStatus[envelope.ActionChainRecovery]
	assert.False(t, ok)
}

func TestNewClampsTTL(t *testing.T) {
	svc := New(nil, nil, discardLogger(), nopPublisher{}, nil, 4000, 24)
	assert.Equal(t, TTLMax, svc.defaultTTL)

	svc = New(nil, nil, discardLogger(), nopPublisher{}, nil, 0, 24)
	assert.Equal(t, TTLMax, svc.defaultTTL)

	svc = New(nil, nil, discardLogger(), nopPublisher{}, nil, 300, 24)
	assert.Equal(t, 300, svc.defaultTTL)
}

func TestIssueWithoutSigningKey(t *testing.T) {
	svc := New(nil, nil, discardLogger(), nopPublisher{}, nil, 900, 24)
	_, err := svc.Issue(context.Background(), IssueRequest{
		SiteID:      "clinic-west",
		ApplianceID: "app-0001",
		RunbookID:   "RB-LIN-FW-001",
	})
	assert.ErrorIs(t, err, ErrSigningKeyUnavailable)
}
