// Package ble provides the BLE transport for an LED matrix peripheral that
// speaks a line-oriented text protocol over one write and one notify
// characteristic. It handles scanning, connection lifecycle, notification
// reassembly and command writes.
package ble

import (
	"context"
	"errors"
)

// LED matrix GATT UUIDs
const (
	ServiceUUID       = "0000fff0-0000-1000-8000-00805f9b34fb"
	NotifyCharUUID    = "0000fff1-0000-1000-8000-00805f9b34fb"
	WriteCharUUID     = "0000fff2-0000-1000-8000-00805f9b34fb"
	CCCDescriptorUUID = "00002902-0000-1000-8000-00805f9b34fb"
)

var (
	ErrPermissionDenied = errors.New("ble: permission denied")
	ErrAdapterDisabled  = errors.New("ble: adapter disabled")
	ErrDiscoveryFailed  = errors.New("ble: service discovery failed")
	ErrDiscoveryTimeout = errors.New("ble: connect/discovery timed out")
	ErrDropped          = errors.New("ble: command dropped, no write characteristic")
	ErrBusy             = errors.New("ble: connection already in progress")
	ErrNotConnected     = errors.New("ble: not connected")
	ErrFrameTooLong     = errors.New("ble: line exceeds maximum length")
)

// PeerDevice is a discovered peripheral. Identity is the address; the name
// is whatever the advertisement carried.
type PeerDevice struct {
	Address string
	Name    string
	RSSI    int
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe enables notifications (writes the client characteristic
	// configuration descriptor) and registers callback for payloads.
	Subscribe(callback func(data []byte)) error
}

// Services is the result of service discovery on a connection.
type Services interface {
	// Characteristic finds a characteristic by UUID within a service.
	Characteristic(serviceUUID, charUUID string) (Characteristic, error)
}

// Connection represents an established link to a peripheral.
type Connection interface {
	// DiscoverServices starts service discovery. Completion is reported
	// as an EventServicesDiscovered on the connection's event sink.
	DiscoverServices() error
	// Disconnect asks the platform to drop the link. Completion is
	// reported as an EventDisconnected.
	Disconnect() error
	// Close releases any resources held for the link.
	Close() error
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Scan reports peripherals advertising serviceUUID to found until ctx
	// is cancelled. The same peripheral may be reported many times.
	Scan(ctx context.Context, serviceUUID string, found func(PeerDevice)) error
	// Connect starts a connection attempt to peer and returns immediately.
	// The outcome, and every later lifecycle event for the link, is
	// delivered to sink.
	Connect(peer PeerDevice, sink func(Event)) error
}

// Oracle answers the preflight questions asked before touching the radio.
type Oracle interface {
	HasScanPermission() bool
	HasConnectPermission() bool
	AdapterEnabled() bool
}

// EventKind enumerates platform callbacks consumed by Session.
type EventKind int

const (
	// EventConnected reports an established link; Conn is set.
	EventConnected EventKind = iota
	// EventDisconnected reports a dropped link or a failed attempt; Conn
	// is nil when the attempt never produced a link.
	EventDisconnected
	// EventServicesDiscovered reports discovery completion; Services or
	// Err is set.
	EventServicesDiscovered
	// EventNotification carries one notification payload.
	EventNotification

	// internal follow-ups
	eventSubscribed
	eventDiscoveryFailed
	eventDeadline
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventServicesDiscovered:
		return "services-discovered"
	case EventNotification:
		return "notification"
	case eventSubscribed:
		return "subscribed"
	case eventDiscoveryFailed:
		return "discovery-failed"
	case eventDeadline:
		return "deadline"
	default:
		return "unknown"
	}
}

// Event is one platform callback.
type Event struct {
	Kind     EventKind
	Conn     Connection
	Services Services
	Payload  []byte
	Err      error

	attempt *attempt
	write   Characteristic
}
