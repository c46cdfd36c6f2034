package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PortNumber53/classifieds/backend/internal/config"
	"github.com/PortNumber53/classifieds/backend/internal/events"
	"github.com/PortNumber53/classifieds/backend/internal/payments"
)

func TestNewGateway(t *testing.T) {
	logger := zap.NewNop()

	gw, err := newGateway(config.Config{PaymentProvider: config.ProviderFake, Environment: "development"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &payments.BreakerGateway{}, gw)

	_, err = newGateway(config.Config{PaymentProvider: config.ProviderFake, Environment: "production"}, logger)
	assert.Error(t, err)

	_, err = newGateway(config.Config{PaymentProvider: config.ProviderStripe}, logger)
	assert.Error(t, err, "stripe without a key")

	gw, err = newGateway(config.Config{PaymentProvider: config.ProviderStripe, StripeSecretKey: "sk_test_123"}, logger)
	require.NoError(t, err)
	assert.NotNil(t, gw)

	_, err = newGateway(config.Config{PaymentProvider: "paypal"}, logger)
	assert.Error(t, err)
}

func TestNewPublisherFallsBackToNoop(t *testing.T) {
	p := newPublisher(config.Config{}, zap.NewNop())
	assert.IsType(t, &events.NoopPublisher{}, p)
}
