package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// ValkeyTLSConfig controls TLS for the durable-tier connection.
type ValkeyTLSConfig struct {
	Enabled bool
	CAFile  string
}

// ValkeyConfig describes the durable-tier connection. Namespace scopes Clear
// so one shared database can serve several applications.
type ValkeyConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	Namespace string
	TLS       ValkeyTLSConfig
}

type valkeyTier struct {
	client      valkey.Client
	clearPrefix string
	now         func() time.Time
}

const valkeyScanCount = 256

// staleRetention is how long a record outlives its TTL on the server. The
// envelope's storedAt and ttlMillis decide freshness; the server-side expiry
// only garbage-collects entries nothing has refreshed or purged for a day.
const staleRetention = 24 * time.Hour

// NewValkey connects the durable tier and verifies the connection with a ping.
func NewValkey(cfg ValkeyConfig) (*ValkeyTier, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: valkey address required")
	}
	if cfg.Namespace == "" {
		return nil, errors.New("cache: valkey namespace required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read valkey ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: valkey ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: valkey ping: %w", err)
	}

	return &ValkeyTier{valkeyTier{
		client:      client,
		clearPrefix: cfg.Namespace + keySeparator,
		now:         time.Now,
	}}, nil
}

// ValkeyTier is the durable tier backed by a valkey/redis server. Records stay
// past their TTL so a failed refresh can fall back to the prior value; the
// server-side expiry (PX) runs a retention window behind the TTL as garbage
// collection. The embedded client doubles as the transport for the
// cross-process session signal.
type ValkeyTier struct {
	valkeyTier
}

// Client exposes the underlying connection so the session monitor can share it
// for pub/sub.
func (v *ValkeyTier) Client() valkey.Client { return v.client }

// Get fetches and decodes a durable record. A record that fails to decode or
// carries an unknown schema version is deleted and reported as a miss; corrupt
// data must never surface to callers.
func (v *valkeyTier) Get(ctx context.Context, key string) (Entry, bool, error) {
	resp := v.client.Do(ctx, v.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: valkey get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: valkey get bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		_ = v.Delete(ctx, key)
		return Entry{}, false, nil
	}
	if entry.Version != SchemaVersion {
		_ = v.Delete(ctx, key)
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (v *valkeyTier) Put(ctx context.Context, key string, entry Entry) error {
	remaining := entry.ExpiresAt().Sub(v.now())
	if remaining < 0 {
		remaining = 0
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: valkey marshal: %w", err)
	}
	cmd := v.client.B().Set().Key(key).Value(string(payload)).Px(remaining + staleRetention).Build()
	if err := v.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: valkey set: %w", err)
	}
	return nil
}

func (v *valkeyTier) Delete(ctx context.Context, key string) error {
	if err := v.client.Do(ctx, v.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("cache: valkey del: %w", err)
	}
	return nil
}

// DeleteByPrefix walks the keyspace with SCAN MATCH and deletes in batches.
func (v *valkeyTier) DeleteByPrefix(ctx context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}
	var cursor uint64
	for {
		cmd := v.client.B().Scan().Cursor(cursor).Match(prefix + "*").Count(valkeyScanCount).Build()
		entry, err := v.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return fmt.Errorf("cache: valkey scan: %w", err)
		}
		if len(entry.Elements) > 0 {
			del := v.client.B().Del().Key(entry.Elements...).Build()
			if err := v.client.Do(ctx, del).Error(); err != nil {
				return fmt.Errorf("cache: valkey del batch: %w", err)
			}
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

// Clear removes every key under the configured namespace, leaving unrelated
// keys in the shared database untouched.
func (v *valkeyTier) Clear(ctx context.Context) error {
	return v.DeleteByPrefix(ctx, v.clearPrefix)
}

// Size counts the namespace's keys via SCAN.
func (v *valkeyTier) Size(ctx context.Context) (int64, error) {
	var total int64
	var cursor uint64
	for {
		cmd := v.client.B().Scan().Cursor(cursor).Match(v.clearPrefix + "*").Count(valkeyScanCount).Build()
		entry, err := v.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return 0, fmt.Errorf("cache: valkey scan: %w", err)
		}
		total += int64(len(entry.Elements))
		cursor = entry.Cursor
		if cursor == 0 {
			return total, nil
		}
	}
}

func (v *valkeyTier) Close(context.Context) error {
	v.client.Close()
	return nil
}
