package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/campusops/entitycache/internal/cache"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	invalidPort := cfg
	invalidPort.Listen.Port = -1
	require.Error(t, invalidPort.Validate())

	valkeyWithoutAddress := cfg
	valkeyWithoutAddress.Cache.Backend = "valkey"
	require.Error(t, valkeyWithoutAddress.Validate())

	unknownBackend := cfg
	unknownBackend.Cache.Backend = "memcached"
	require.Error(t, unknownBackend.Validate())

	emptyNamespace := cfg
	emptyNamespace.Cache.Namespace = "  "
	require.Error(t, emptyNamespace.Validate())

	negativeTimeout := cfg
	negativeTimeout.Remote.TimeoutSeconds = -1
	require.Error(t, negativeTimeout.Validate())
}

func TestTTLDurations(t *testing.T) {
	ttls, err := DefaultConfig().Cache.TTL.Durations()
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, ttls[cache.EntitySchoolList])
	require.Equal(t, 30*time.Minute, ttls[cache.EntityClassesBySchool])
	require.Equal(t, 10*time.Minute, ttls[cache.EntityBookList])
	require.Equal(t, 10*time.Minute, ttls[cache.EntityBookDetail])
	require.Equal(t, 5*time.Minute, ttls[cache.EntityTopicDetail])
	require.Equal(t, 2*time.Minute, ttls[cache.EntityDashboardAggregate])
}

func TestTTLDurationsRejectsMissingFamily(t *testing.T) {
	ttl := DefaultConfig().Cache.TTL
	ttl.TopicDetail = ""
	_, err := ttl.Durations()
	require.ErrorContains(t, err, "TopicDetail")
}

func TestTTLDurationsRejectsNonPositive(t *testing.T) {
	ttl := DefaultConfig().Cache.TTL
	ttl.BookList = "-5m"
	_, err := ttl.Durations()
	require.ErrorContains(t, err, "must be positive")
}
