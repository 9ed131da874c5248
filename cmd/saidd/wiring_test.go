package main

import (
	"context"
	"testing"

	"SAID-Chain/internal/address"
	"SAID-Chain/internal/config"
	"SAID-Chain/internal/events"
	"SAID-Chain/internal/observability/alerting"
	"SAID-Chain/internal/state"
	"SAID-Chain/internal/web3"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestParseProgramID(t *testing.T) {
	got, err := parseProgramID("")
	if err != nil || got != address.DefaultProgramID() {
		t.Fatalf("empty id should fall back to the default: %s %v", got.Hex(), err)
	}
	want := crypto.Keccak256Hash([]byte("custom"))
	if got, err := parseProgramID(want.Hex()); err != nil || got != want {
		t.Fatalf("unexpected id %s %v", got.Hex(), err)
	}
	if _, err := parseProgramID("0xzz"); err == nil {
		t.Fatalf("invalid hex must be rejected")
	}
}

func TestDefaultWiring(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()

	store, err := openStore(ctx, cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*state.MemoryStore); !ok {
		t.Fatalf("default storage should be in memory, got %T", store)
	}

	bus, err := openBus(ctx, cfg)
	if err != nil {
		t.Fatalf("open bus: %v", err)
	}
	defer bus.Close()
	if _, ok := bus.(eventSubscriber); !ok {
		t.Fatalf("memory bus should be consumable in process")
	}

	cfg.Events.Driver = "none"
	if bus, _ := openBus(ctx, cfg); bus != (events.Discard{}) {
		t.Fatalf("none driver should discard events, got %T", bus)
	}

	clock, closeClock, err := openClock(ctx, cfg)
	if err != nil {
		t.Fatalf("open clock: %v", err)
	}
	defer closeClock()
	if _, ok := clock.(web3.SystemClock); !ok {
		t.Fatalf("default clock should be the system clock, got %T", clock)
	}
}

func TestAlertDispatcherChannels(t *testing.T) {
	cfg := config.Default()
	d := newAlertDispatcher(cfg).(*alerting.FanoutDispatcher)
	if got := d.Channels(); len(got) != 1 || got[0] != alerting.ChannelLog {
		t.Fatalf("unexpected channels %v", got)
	}

	cfg.Observability.Alerting.WebhookURL = "http://alerts.local/hook"
	d = newAlertDispatcher(cfg).(*alerting.FanoutDispatcher)
	if got := d.Channels(); len(got) != 2 {
		t.Fatalf("webhook should be added, got %v", got)
	}
}
