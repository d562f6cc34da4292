package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcormc/sensornode/store"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestProvisionCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "node.db")
	t.Setenv("SENSORNODE_STORE_PATH", path)

	out, err := execute(t, "provision", "--ssid", "net1", "--psk", "pw1", "--host", "broker.local")
	require.NoError(t, err)
	assert.Contains(t, out, `credentials for "net1" stored`)

	db, err := store.OpenSQLite(path)
	require.NoError(t, err)
	defer db.Close()

	creds, ok, err := store.LoadCredentials(context.Background(), db)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "net1", creds.WiFiSSID)
	assert.Equal(t, "pw1", creds.WiFiPSK)
	assert.Equal(t, "broker.local", creds.BrokerHost)
}

func TestQRCommand(t *testing.T) {
	t.Run("join string escapes", func(t *testing.T) {
		assert.Equal(t, "WIFI:T:nopass;S:sensornode-setup;;", wifiJoinString("sensornode-setup"))
		assert.Equal(t, `WIFI:T:nopass;S:lab\;3\:a;;`, wifiJoinString("lab;3:a"))
	})

	t.Run("png", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ap.png")
		_, err := execute(t, "qr", "--png", path)
		require.NoError(t, err)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))
	})
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "sensornode version dev")
	assert.Contains(t, out, "level 4")
}
