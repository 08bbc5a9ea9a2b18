package zkclient_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaeljw/zkclient"
)

func TestNewConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := zkclient.NewConfig("host1:2181", "host2:2181")
	assert.Equal(t, []string{"host1:2181", "host2:2181"}, cfg.Servers)
	assert.Equal(t, zkclient.DefaultSessionTimeout, cfg.SessionTimeout)
	assert.Equal(t, zkclient.DefaultConnectTimeout, cfg.ConnectTimeout)
	assert.Equal(t, zkclient.DefaultBatchTimeout, cfg.BatchTimeout)
	assert.Equal(t, zkclient.DefaultBatchTimeoutPerNode, cfg.BatchTimeoutPerNode)
	assert.Zero(t, cfg.RetryBudget, "the retry budget defaults at Normalize time")
}

func TestConfigNormalize(t *testing.T) {
	t.Parallel()

	cfg := zkclient.NewConfig(" host1:2181 ", "", "host2:2181")
	cfg.Normalize()
	assert.Equal(t, []string{"host1:2181", "host2:2181"}, cfg.Servers)
	assert.Equal(t, cfg.SessionTimeout, cfg.RetryBudget, "an unset budget matches the session timeout")

	cfg.RetryBudget = time.Minute
	cfg.Normalize()
	assert.Equal(t, time.Minute, cfg.RetryBudget, "an explicit budget is kept")
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := zkclient.NewConfig("host1:2181")
	cfg.Normalize()
	require.NoError(t, cfg.Validate())

	cases := []struct {
		name   string
		mutate func(cfg *zkclient.Config)
	}{
		{name: "no servers", mutate: func(cfg *zkclient.Config) { cfg.Servers = nil }},
		{name: "empty server", mutate: func(cfg *zkclient.Config) { cfg.Servers = []string{""} }},
		{name: "no session timeout", mutate: func(cfg *zkclient.Config) { cfg.SessionTimeout = 0 }},
		{name: "no connect timeout", mutate: func(cfg *zkclient.Config) { cfg.ConnectTimeout = 0 }},
		{name: "no batch timeout", mutate: func(cfg *zkclient.Config) { cfg.BatchTimeout = 0 }},
		{name: "budget below session timeout", mutate: func(cfg *zkclient.Config) {
			cfg.RetryBudget = cfg.SessionTimeout / 2
		}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := zkclient.NewConfig("host1:2181")
			cfg.Normalize()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
