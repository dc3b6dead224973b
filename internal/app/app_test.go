package app_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/perkell/syrinx/internal/app"
	"github.com/perkell/syrinx/internal/config"
	llmmock "github.com/perkell/syrinx/pkg/provider/llm/mock"
	sttmock "github.com/perkell/syrinx/pkg/provider/stt/mock"
	ttsmock "github.com/perkell/syrinx/pkg/provider/tts/mock"
)

// testConfig returns a minimal cascade-mode config for tests. No external
// stores are configured, so New wires nothing that needs a network.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Mode: config.ModeCascade,
		Agent: config.AgentConfig{
			Voice:       "terrence",
			Temperature: 0.7,
		},
		Commands: config.CommandsConfig{
			Interrupt: []string{"stop"},
		},
	}
}

// testProviders returns mock providers for a cascade engine.
func testProviders() *app.Providers {
	return &app.Providers{
		LLM: &llmmock.Provider{},
		STT: &sttmock.Provider{},
		TTS: &ttsmock.Provider{},
	}
}

func TestNew_Cascade(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if application == nil {
		t.Fatal("New() returned nil app")
	}
	if application.Shared() == nil {
		t.Error("Shared() returned nil")
	}
}

func TestNew_UnknownMode(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Mode = "telepathy"

	_, err := app.New(context.Background(), cfg, testProviders())
	if err == nil {
		t.Fatal("expected error for unknown mode, got nil")
	}
	if !strings.Contains(err.Error(), "mode") {
		t.Errorf("error should mention mode, got: %v", err)
	}
}

func TestNew_MissingProviders(t *testing.T) {
	t.Parallel()

	providers := testProviders()
	providers.TTS = nil

	_, err := app.New(context.Background(), testConfig(), providers)
	if err == nil {
		t.Fatal("expected error for cascade mode without TTS provider, got nil")
	}
	if !strings.Contains(err.Error(), "tts") {
		t.Errorf("error should mention tts, got: %v", err)
	}
}

func TestNew_BridgeRequiresDuplex(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Mode = config.ModeBridge

	_, err := app.New(context.Background(), cfg, &app.Providers{})
	if err == nil {
		t.Fatal("expected error for bridge mode without duplex provider, got nil")
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(ctx)
	}()

	// Give the listeners a moment to come up.
	time.Sleep(50 * time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestApp_ShutdownIsIdempotent(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx := context.Background()
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown() error: %v", err)
	}
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}
