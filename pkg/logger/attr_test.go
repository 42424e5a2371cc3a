package logger_test

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachhq/billing/pkg/logger"
)

func TestGroup(t *testing.T) {
	attr := logger.Group("req", slog.String("id", "1"), slog.Int("n", 2))
	require.Equal(t, "req", attr.Key)
	require.Equal(t, slog.KindGroup, attr.Value.Kind())
	g := attr.Value.Group()
	require.Len(t, g, 2)
	assert.Equal(t, "id", g[0].Key)
	assert.Equal(t, "n", g[1].Key)
}

func TestErrors(t *testing.T) {
	err1 := errors.New("first")
	err2 := errors.New("second")

	attr := logger.Errors(err1, nil, err2)
	require.Equal(t, "errors", attr.Key)
	require.Equal(t, slog.KindGroup, attr.Value.Kind())
	g := attr.Value.Group()
	require.Len(t, g, 2)
	assert.Equal(t, err1, g[0].Value.Any())
	assert.Equal(t, err2, g[1].Value.Any())

	empty := logger.Errors(nil)
	assert.True(t, empty.Equal(slog.Attr{}))
}

func TestError(t *testing.T) {
	err := errors.New("boom")
	attr := logger.Error(err)
	require.Equal(t, "error", attr.Key)
	assert.Equal(t, err, attr.Value.Any())

	empty := logger.Error(nil)
	assert.True(t, empty.Equal(slog.Attr{}))
}

func TestAccountID(t *testing.T) {
	attr := logger.AccountID("123")
	require.Equal(t, "account_id", attr.Key)
	assert.Equal(t, "123", attr.Value.Any())
}

func TestSubscriptionID(t *testing.T) {
	attr := logger.SubscriptionID("sub_1")
	require.Equal(t, "subscription_id", attr.Key)
	assert.Equal(t, "sub_1", attr.Value.Any())
}

func TestCustomerID(t *testing.T) {
	attr := logger.CustomerID("cus_1")
	require.Equal(t, "customer_id", attr.Key)
	assert.Equal(t, "cus_1", attr.Value.Any())
}

func TestEventID(t *testing.T) {
	attr := logger.EventID("evt_1")
	require.Equal(t, "event_id", attr.Key)
	assert.Equal(t, "evt_1", attr.Value.Any())
}

func TestRequestID(t *testing.T) {
	attr := logger.RequestID("abc")
	require.Equal(t, "request_id", attr.Key)
	assert.Equal(t, "abc", attr.Value.Any())
}
