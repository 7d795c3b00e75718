package config

import (
	"errors"
	"testing"
	"time"

	"signal-core/pkg/secrets"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BROKER_MODE", "")
	t.Setenv("PORT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8000" {
		t.Fatalf("Port=%v, expected 8000", cfg.Port)
	}
	if cfg.BrokerMode != BrokerSim {
		t.Fatalf("BrokerMode=%v, expected %v", cfg.BrokerMode, BrokerSim)
	}
	if cfg.StartupRetries != 3 {
		t.Fatalf("StartupRetries=%v, expected 3", cfg.StartupRetries)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BROKER_MODE", "Bridge")
	t.Setenv("BROKER_BRIDGE_URL", "ws://bridge:9000/ws")
	t.Setenv("BROKER_ASSET_SUFFIX", "")
	t.Setenv("RECONCILE_INTERVAL", "90")
	t.Setenv("BALANCE_SYNC_INTERVAL", "15s")
	t.Setenv("TELEGRAM_CHAT_ID", "-100123")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BrokerMode != BrokerBridge {
		t.Fatalf("BrokerMode=%v, expected %v", cfg.BrokerMode, BrokerBridge)
	}
	if cfg.BridgeURL != "ws://bridge:9000/ws" {
		t.Fatalf("BridgeURL=%v", cfg.BridgeURL)
	}
	// empty falls back to the default suffix
	if cfg.AssetSuffix != "_otc" {
		t.Fatalf("AssetSuffix=%v, expected _otc", cfg.AssetSuffix)
	}
	if cfg.ReconcileInterval != 90*time.Second {
		t.Fatalf("ReconcileInterval=%v, expected 90s", cfg.ReconcileInterval)
	}
	if cfg.BalanceSyncInterval != 15*time.Second {
		t.Fatalf("BalanceSyncInterval=%v, expected 15s", cfg.BalanceSyncInterval)
	}
	if cfg.TelegramChatID != -100123 {
		t.Fatalf("TelegramChatID=%v", cfg.TelegramChatID)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown mode", env: map[string]string{"BROKER_MODE": "paper"}},
		{name: "win rate out of range", env: map[string]string{"BROKER_MODE": "sim", "SIM_WIN_RATE": "1.5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadOpensSealedSettings(t *testing.T) {
	key, err := secrets.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	box, _ := secrets.NewBoxBase64(key)
	sealed, _ := box.Seal("session-42")

	t.Setenv("BROKER_MODE", "")
	t.Setenv("SSID", sealed)
	t.Setenv("SECRETS_KEY", "")
	if _, err := Load(); !errors.Is(err, secrets.ErrKeyRequired) {
		t.Fatalf("err=%v, expected ErrKeyRequired", err)
	}

	t.Setenv("SECRETS_KEY", key)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BrokerSSID != "session-42" {
		t.Fatalf("BrokerSSID=%v, expected session-42", cfg.BrokerSSID)
	}
}
