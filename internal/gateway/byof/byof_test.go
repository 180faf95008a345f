package byof

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterSingleRegistrationInvariant(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	require.NoError(t, Register())
	err := Register()
	require.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestDetectCollisions(t *testing.T) {
	report := DetectCollisions([]string{"/users", "/settings"}, []string{"/orders", "/users"})
	require.Equal(t, []string{"/users"}, report.Collisions)
}

func TestDetectCollisionsNone(t *testing.T) {
	report := DetectCollisions([]string{"/users"}, []string{"/orders"})
	require.Empty(t, report.Collisions)
}
