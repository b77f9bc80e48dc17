package config_test

import (
	"testing"
	"time"

	"github.com/joeycumines/corio/config"
	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	c := config.New()
	assert.Equal(t, config.DefaultStackSize, c.StackSize)
	assert.Equal(t, config.DefaultConnectTimeout, c.ConnectTimeout)
}

func TestOptionsOverrideDefaults(t *testing.T) {
	c := config.New(
		config.WithStackSize(65536),
		config.WithConnectTimeout(250*time.Millisecond),
	)
	assert.Equal(t, uint32(65536), c.StackSize)
	assert.Equal(t, 250*time.Millisecond, c.ConnectTimeout)
}
