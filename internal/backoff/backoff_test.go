package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	s := Exponential{Base: 2, Max: 60 * time.Second}

	assert.Equal(t, 2*time.Second, s.Delay(1))
	assert.Equal(t, 4*time.Second, s.Delay(2))
	assert.Equal(t, 8*time.Second, s.Delay(3))
	assert.Equal(t, 60*time.Second, s.Delay(10), "delay should be capped")
}

func TestLinearBackoffCap(t *testing.T) {
	s := Linear{Initial: 5 * time.Second, Max: 12 * time.Second}

	assert.Equal(t, 5*time.Second, s.Delay(1))
	assert.Equal(t, 10*time.Second, s.Delay(2))
	assert.Equal(t, 12*time.Second, s.Delay(3))
}

func TestNewByName(t *testing.T) {
	s, err := New("constant", 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, s.Delay(7))

	s, err = New("", 2, time.Minute)
	require.NoError(t, err)
	assert.IsType(t, Exponential{}, s)

	_, err = New("fibonacci", 2, time.Minute)
	assert.Error(t, err)
}
