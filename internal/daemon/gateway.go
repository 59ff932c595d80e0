package daemon

import (
	"errors"
	"fmt"
	"log/slog"

	"go.olrik.dev/inferd/internal/core"
	"go.olrik.dev/inferd/internal/gateway"
	"go.olrik.dev/inferd/internal/keyring"
)

var errMissingAPIKey = errors.New("no gateway API key configured (set gateway.api_key or run 'inferd apikey set')")

// keyringAPIKey is replaced in tests.
var keyringAPIKey = keyring.GetAPIKey

// gatewayConfig resolves the API key and builds the listener configuration
// from the current settings.
func (d *Daemon) gatewayConfig() (gateway.Config, error) {
	settings := core.Config.Gateway

	apiKey := settings.APIKey
	if settings.APIKeySource == "keyring" {
		key, err := keyringAPIKey()
		if err != nil {
			return gateway.Config{}, fmt.Errorf("failed to load gateway API key from keyring: %w", err)
		}
		apiKey = key
	}
	if apiKey == "" {
		return gateway.Config{}, errMissingAPIKey
	}

	return gateway.NewConfig(settings, apiKey, d.state.Token), nil
}

func (d *Daemon) startGateway() error {
	cfg, err := d.gatewayConfig()
	if err != nil {
		d.logGatewayEvent("start_failed", "", err.Error())
		return err
	}

	if err := d.gateway.Start(d.ctx, cfg); err != nil {
		if !errors.Is(err, gateway.ErrAlreadyRunning) {
			d.logGatewayEvent("start_failed", cfg.Addr(), err.Error())
		}
		return err
	}

	d.logGatewayEvent("start", d.gateway.Addr(), fmt.Sprintf("prefix %q", cfg.PathPrefix))
	return nil
}

func (d *Daemon) stopGateway() error {
	addr := d.gateway.Addr()
	if err := d.gateway.Stop(); err != nil {
		return err
	}
	d.logGatewayEvent("stop", addr, "")
	return nil
}

// restartGateway replaces the listener so it picks up new settings. A
// listener's configuration never changes while it is running.
func (d *Daemon) restartGateway() error {
	if d.gateway.Running() {
		if err := d.stopGateway(); err != nil {
			return err
		}
	}
	if !core.Config.Gateway.Enabled {
		slog.Info("Gateway disabled in configuration")
		return nil
	}
	return d.startGateway()
}

func (d *Daemon) handleGatewayStart() Response {
	response := Response{}
	if err := d.startGateway(); err != nil {
		if errors.Is(err, gateway.ErrAlreadyRunning) {
			response.AddMessage(fmt.Sprintf("Gateway is already running on %s", d.gateway.Addr()), "WARN")
		} else {
			response.AddMessage(fmt.Sprintf("Failed to start gateway: %v", err), "ERROR")
		}
		return response
	}
	response.AddMessage(fmt.Sprintf("Gateway listening on %s", d.gateway.Addr()), "INFO")
	return response
}

func (d *Daemon) handleGatewayStop() Response {
	response := Response{}
	if !d.gateway.Running() {
		response.AddMessage("Gateway is not running", "WARN")
		return response
	}
	if err := d.stopGateway(); err != nil {
		response.AddMessage(fmt.Sprintf("Failed to stop gateway: %v", err), "ERROR")
		return response
	}
	response.AddMessage("Gateway stopped", "INFO")
	return response
}

func (d *Daemon) logGatewayEvent(eventType, addr, details string) {
	if d.database == nil {
		return
	}
	if err := d.database.LogGatewayEvent(eventType, addr, details); err != nil {
		slog.Warn("Failed to log gateway event", "event", eventType, "error", err)
	}
}
