// Package store holds the node's small persistent key-value record. The
// credential record helpers map event.Credentials onto well-known keys.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/marcormc/sensornode/event"
)

// Credential record keys.
const (
	KeyWiFiSSID       = "wifi_ssid"
	KeyWiFiPSK        = "wifi_psk"
	KeyBrokerHost     = "mqtt_host"
	KeyBrokerUser     = "mqtt_user"
	KeyBrokerPassword = "mqtt_passwd"
)

// Store is a string key-value store. A missing key is reported with ok
// false and a nil error.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
}

// Memory is an in-process Store.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// LoadCredentials reads the credential record. It reports false when the
// SSID or the broker host has never been written.
func LoadCredentials(ctx context.Context, s Store) (event.Credentials, bool, error) {
	var creds event.Credentials

	fields := []struct {
		key string
		dst *string
	}{
		{KeyWiFiSSID, &creds.WiFiSSID},
		{KeyWiFiPSK, &creds.WiFiPSK},
		{KeyBrokerHost, &creds.BrokerHost},
		{KeyBrokerUser, &creds.BrokerUser},
		{KeyBrokerPassword, &creds.BrokerPassword},
	}

	for _, f := range fields {
		v, _, err := s.Get(ctx, f.key)
		if err != nil {
			return event.Credentials{}, false, fmt.Errorf("load %s: %w", f.key, err)
		}
		*f.dst = v
	}

	if creds.WiFiSSID == "" || creds.BrokerHost == "" {
		return event.Credentials{}, false, nil
	}
	return creds, true, nil
}

// SaveCredentials writes every key of the credential record. Optional fields
// are written as empty strings so a stale value never survives.
func SaveCredentials(ctx context.Context, s Store, creds event.Credentials) error {
	pairs := [][2]string{
		{KeyWiFiSSID, creds.WiFiSSID},
		{KeyWiFiPSK, creds.WiFiPSK},
		{KeyBrokerHost, creds.BrokerHost},
		{KeyBrokerUser, creds.BrokerUser},
		{KeyBrokerPassword, creds.BrokerPassword},
	}

	for _, p := range pairs {
		if err := s.Set(ctx, p[0], p[1]); err != nil {
			return fmt.Errorf("save %s: %w", p[0], err)
		}
	}
	return nil
}
