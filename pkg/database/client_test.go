package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientExposesRawConnection(t *testing.T) {
	client := NewTestClient(t)

	// The raw handle and the gorm handle share one connection.
	raw := client.SQLDB()
	require.NotNil(t, raw)
	require.NoError(t, raw.PingContext(context.Background()))

	gormRaw, err := client.DB.DB()
	require.NoError(t, err)
	assert.Same(t, raw, gormRaw)
}

func TestHealthReportsConnectionStats(t *testing.T) {
	client := NewTestClient(t)

	status, err := Health(context.Background(), client.SQLDB())
	require.NoError(t, err)
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, 1, status.OpenConnections)
}
