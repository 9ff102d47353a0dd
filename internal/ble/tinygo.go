package ble

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter implements Adapter on top of tinygo-org/bluetooth (BlueZ on
// Linux, CoreBluetooth on macOS, WinRT on Windows). Peers must have been
// seen by Scan before they can be connected, because the platform address
// type is only obtainable from a scan result.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects seen and links.
	mu    sync.Mutex
	seen  map[string]bluetooth.Address
	links map[string]*tinyGoConnection // keyed by peer address
}

// NewTinyGoAdapter creates an adapter bound to the default BLE controller.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter: bluetooth.DefaultAdapter,
		seen:    make(map[string]bluetooth.Address),
		links:   make(map[string]*tinyGoConnection),
	}
}

// Enable powers on the controller and installs the disconnect handler.
func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	// tinygo/bluetooth reports link loss through the adapter-level
	// connect handler with connected=false.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr := device.Address.String()
		a.mu.Lock()
		conn, ok := a.links[addr]
		delete(a.links, addr)
		a.mu.Unlock()
		if ok {
			conn.sink(Event{Kind: EventDisconnected, Conn: conn})
		}
	})
	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, serviceUUID string, found func(PeerDevice)) error {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	err = a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(uuid) {
			return
		}
		addr := result.Address.String()
		a.mu.Lock()
		a.seen[addr] = result.Address
		a.mu.Unlock()
		found(PeerDevice{
			Address: addr,
			Name:    result.LocalName(),
			RSSI:    int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *TinyGoAdapter) Connect(peer PeerDevice, sink func(Event)) error {
	a.mu.Lock()
	addr, ok := a.seen[peer.Address]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: %s has not been seen in a scan", peer.Address)
	}

	// adapter.Connect blocks with its own platform timeout.
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			sink(Event{Kind: EventDisconnected, Err: fmt.Errorf("ble: connect to %s: %w", peer.Address, err)})
			return
		}
		conn := &tinyGoConnection{adapter: a, addr: peer.Address, device: device, sink: sink}

		a.mu.Lock()
		a.links[peer.Address] = conn
		a.mu.Unlock()

		sink(Event{Kind: EventConnected, Conn: conn})
	}()
	return nil
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	adapter *TinyGoAdapter
	addr    string
	device  bluetooth.Device
	sink    func(Event)
}

func (c *tinyGoConnection) DiscoverServices() error {
	go func() {
		svcs, err := c.device.DiscoverServices(nil)
		if err != nil {
			c.sink(Event{Kind: EventServicesDiscovered, Conn: c, Err: err})
			return
		}
		c.sink(Event{Kind: EventServicesDiscovered, Conn: c, Services: tinyGoServices(svcs)})
	}()
	return nil
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) Close() error {
	c.adapter.mu.Lock()
	if c.adapter.links[c.addr] == c {
		delete(c.adapter.links, c.addr)
	}
	c.adapter.mu.Unlock()
	return nil
}

type tinyGoServices []bluetooth.DeviceService

func (s tinyGoServices) Characteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	chrUUID, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	for i := range s {
		svc := &s[i]
		if svc.UUID() != svcUUID {
			continue
		}
		chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{chrUUID})
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics: %w", err)
		}
		if len(chars) == 0 {
			return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
		}
		return &tinyGoCharacteristic{char: chars[0]}, nil
	}
	return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
}

type tinyGoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

// Subscribe writes the CCC descriptor through EnableNotifications; it fails
// when the characteristic has no descriptor.
func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(cb)
}
