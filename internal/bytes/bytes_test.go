package bytes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smarter-dev/smarterbot/internal/apiclient"
	"github.com/smarter-dev/smarterbot/internal/errs"
	"github.com/smarter-dev/smarterbot/internal/models"
)

type fakeUser struct {
	id   string
	name string
}

func (u fakeUser) ID() string          { return u.id }
func (u fakeUser) DisplayName() string { return u.name }

func TestValidateDiscordID(t *testing.T) {
	cases := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"empty", "", true},
		{"too short", "123", true},
		{"non digit", "12345abcde", true},
		{"valid", "123456789012345", false},
		{"sql-like", "1234567890; drop", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := validateDiscordID("userId", c.id)
			if c.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseCooldownMessage(t *testing.T) {
	reason, ts := parseCooldownMessage("cooldown active|1721000000")
	assert.Equal(t, "cooldown active", reason)
	require.NotNil(t, ts)
	assert.EqualValues(t, 1721000000, *ts)
}

func TestParseCooldownMessage_NoPipeFallsBackToWholeMessage(t *testing.T) {
	reason, ts := parseCooldownMessage("cooldown active, no timestamp")
	assert.Equal(t, "cooldown active, no timestamp", reason)
	assert.Nil(t, ts)
}

func TestParseCooldownMessage_UnparsableRightSideFallsBack(t *testing.T) {
	reason, ts := parseCooldownMessage("cooldown|not-a-number")
	assert.Equal(t, "cooldown|not-a-number", reason)
	assert.Nil(t, ts)
}

func newTestService(t *testing.T, handler http.HandlerFunc) *Service {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	api := apiclient.NewClient(srv.URL, "token")
	api.Retry.MaxRetries = 0
	svc := New(api, nil, zerolog.Nop())
	require.NoError(t, svc.Initialize(context.Background()))
	return svc
}

func TestGetBalance_Success(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"balance":100,"total_received":50,"total_sent":10,"streak_count":3}`))
	})

	bal, err := svc.GetBalance(context.Background(), "1234567890", "1234567891", false)
	require.NoError(t, err)
	assert.Equal(t, 100, bal.Balance)
}

func TestGetBalance_NotFound(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := svc.GetBalance(context.Background(), "1234567890", "1234567891", false)
	require.Error(t, err)
	var notFound *errs.ResourceNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestGetBalance_InvalidGuildID(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach the network for an invalid id")
	})

	_, err := svc.GetBalance(context.Background(), "bad", "1234567891", false)
	require.Error(t, err)
	var validationErr *errs.ValidationError
	assert.ErrorAs(t, err, &validationErr)
}

func TestTransferBytes_RejectsSelfTransfer(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach the network on a self-transfer")
	})

	giver := fakeUser{id: "1234567890", name: "alice"}
	result, err := svc.TransferBytes(context.Background(), "1234567890", giver, giver, 10, "")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, models.FailureValidation, result.FailureKind)
}

func TestTransferBytes_CooldownResponseParsed(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"balance":1000}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("cooldown active|1721000000"))
	})

	giver := fakeUser{id: "1234567890", name: "alice"}
	receiver := fakeUser{id: "1234567891", name: "bob"}
	result, err := svc.TransferBytes(context.Background(), "1234567890", giver, receiver, 10, "")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.IsCooldownError)
	require.NotNil(t, result.CooldownEndTimestamp)
	assert.EqualValues(t, 1721000000, *result.CooldownEndTimestamp)
}

func TestTransferBytes_Success(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"balance":1000}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"transaction":{"id":"tx1","amount":10,"reason":"","created_at":"2026-07-15T00:00:00Z"},"new_giver_balance":990}`))
	})

	giver := fakeUser{id: "1234567890", name: "alice"}
	receiver := fakeUser{id: "1234567891", name: "bob"}
	result, err := svc.TransferBytes(context.Background(), "1234567890", giver, receiver, 10, "thanks")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 990, result.NewGiverBalance)
}
