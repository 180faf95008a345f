package olap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moosestack/moose-core/internal/config"
)

func TestNewFactoryRequiresHost(t *testing.T) {
	_, err := NewFactory(context.Background(), FactoryOptions{})
	require.Error(t, err)
}

func TestNonZero(t *testing.T) {
	require.Equal(t, 9000, nonZero(0, 9000))
	require.Equal(t, 9440, nonZero(9440, 9000))
}

func TestFactoryOptionsCarriesConfig(t *testing.T) {
	opts := FactoryOptions{ClickHouse: config.ClickHouseConfig{Host: "ch", DBName: "moose"}}
	require.Equal(t, "ch", opts.ClickHouse.Host)
	require.Equal(t, "moose", opts.ClickHouse.DBName)
}
