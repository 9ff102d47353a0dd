package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chaz8081/matrixctl/internal/ble"
	"github.com/chaz8081/matrixctl/internal/config"
)

// sessionOptions maps the ble config section onto session options.
func sessionOptions(cfg *config.Config) ble.SessionOptions {
	return ble.SessionOptions{
		ServiceUUID:    cfg.BLE.ServiceUUID,
		WriteCharUUID:  cfg.BLE.WriteCharUUID,
		NotifyCharUUID: cfg.BLE.NotifyCharUUID,
		ConnectTimeout: cfg.BLE.ConnectTimeout,
		WriteInterval:  cfg.BLE.WriteInterval,
		MaxLineBytes:   cfg.BLE.MaxLineBytes,
		WriteChunk:     cfg.BLE.WriteChunk,
		PeerReplay:     cfg.BLE.PeerReplay,
		LineReplay:     cfg.BLE.LineReplay,
	}
}

// newOracle combines the configured permissions with the BlueZ probe when
// requested.
func newOracle(cfg *config.Config) (ble.Oracle, error) {
	static := ble.StaticOracle{
		Scan:    cfg.Permissions.Scan,
		Connect: cfg.Permissions.Connect,
		Enabled: true,
	}
	if cfg.BLE.Oracle != "bluez" {
		return static, nil
	}
	bluez, err := ble.NewBlueZOracle(cfg.BLE.Adapter)
	if err != nil {
		return nil, fmt.Errorf("bluez oracle: %w", err)
	}
	return ble.AllOf(static, bluez), nil
}

// newSession enables the platform adapter and wraps it in a session.
func newSession(cfg *config.Config) (*ble.Session, error) {
	oracle, err := newOracle(cfg)
	if err != nil {
		return nil, err
	}
	adapter := ble.NewTinyGoAdapter()
	if err := adapter.Enable(); err != nil {
		return nil, err
	}
	return ble.NewSession(adapter, oracle, sessionOptions(cfg)), nil
}

// matchPeer reports whether p is the configured device. With neither
// address nor name configured every peer matches.
func matchPeer(dev config.DeviceConfig, p ble.PeerDevice) bool {
	switch {
	case dev.Address != "":
		return strings.EqualFold(dev.Address, p.Address)
	case dev.Name != "":
		return dev.Name == p.Name
	default:
		return true
	}
}

// findPeer scans until the configured device shows up or the scan
// timeout passes.
func findPeer(ctx context.Context, s *ble.Session, dev config.DeviceConfig) (ble.PeerDevice, error) {
	ctx, cancel := context.WithTimeout(ctx, dev.ScanTimeout)
	defer cancel()

	peers, unsubscribe := s.Peers().Subscribe()
	defer unsubscribe()
	if err := s.StartScan(ctx); err != nil {
		return ble.PeerDevice{}, err
	}
	defer s.StopScan()

	slog.Info("[MAIN] scanning", "timeout", dev.ScanTimeout)
	for {
		select {
		case p := <-peers:
			if matchPeer(dev, p) {
				slog.Info("[MAIN] found matrix", "addr", p.Address, "name", p.Name, "rssi", p.RSSI)
				return p, nil
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ble.PeerDevice{}, fmt.Errorf("no matching matrix found within %s", dev.ScanTimeout)
			}
			return ble.PeerDevice{}, ctx.Err()
		}
	}
}

// connect starts a connection to peer and waits until commands can be
// sent.
func connect(ctx context.Context, s *ble.Session, peer ble.PeerDevice, timeout time.Duration) error {
	if err := s.Connect(peer); err != nil {
		return err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := s.WaitReady(ctx); err != nil {
		return fmt.Errorf("waiting for %s: %w", peer.Address, err)
	}
	return nil
}

// device is a connected session plus the peer it is bound to.
type device struct {
	session *ble.Session
	peer    ble.PeerDevice
}

// openDevice finds, connects and readies the configured matrix.
func openDevice(ctx context.Context, cfg *config.Config) (*device, error) {
	s, err := newSession(cfg)
	if err != nil {
		return nil, err
	}
	peer, err := findPeer(ctx, s, cfg.Device)
	if err != nil {
		s.Close()
		return nil, err
	}
	if err := connect(ctx, s, peer, cfg.BLE.ConnectTimeout); err != nil {
		s.Close()
		return nil, err
	}
	return &device{session: s, peer: peer}, nil
}

// Close disconnects and waits briefly for the platform to confirm.
func (d *device) Close() {
	states, cancel := d.session.States().Subscribe()
	defer cancel()
	d.session.Close()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case st := <-states:
			if st.State == ble.StateDisconnected {
				return
			}
		case <-timeout:
			slog.Warn("[MAIN] disconnect not confirmed", "addr", d.peer.Address)
			return
		}
	}
}
