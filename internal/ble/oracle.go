package ble

import (
	"errors"
	"strings"

	"github.com/godbus/dbus/v5"
)

// StaticOracle answers preflight checks from fixed values, typically the
// permissions section of the config.
type StaticOracle struct {
	Scan    bool
	Connect bool
	Enabled bool
}

func (o StaticOracle) HasScanPermission() bool    { return o.Scan }
func (o StaticOracle) HasConnectPermission() bool { return o.Connect }
func (o StaticOracle) AdapterEnabled() bool       { return o.Enabled }

// AllOf combines oracles; every check must pass in all of them.
func AllOf(oracles ...Oracle) Oracle {
	return allOf(oracles)
}

type allOf []Oracle

func (a allOf) HasScanPermission() bool {
	for _, o := range a {
		if !o.HasScanPermission() {
			return false
		}
	}
	return true
}

func (a allOf) HasConnectPermission() bool {
	for _, o := range a {
		if !o.HasConnectPermission() {
			return false
		}
	}
	return true
}

func (a allOf) AdapterEnabled() bool {
	for _, o := range a {
		if !o.AdapterEnabled() {
			return false
		}
	}
	return true
}

const (
	bluezService     = "org.bluez"
	bluezAdapter1    = "org.bluez.Adapter1"
	dbusAccessDenied = "org.freedesktop.DBus.Error.AccessDenied"
)

// BlueZOracle probes the BlueZ adapter object over the system bus. The
// Powered property answers AdapterEnabled; an access-denied reply from the
// bus policy means the process may neither scan nor connect.
type BlueZOracle struct {
	conn *dbus.Conn
	path dbus.ObjectPath
}

// NewBlueZOracle connects to the system bus for the named adapter
// (e.g. "hci0").
func NewBlueZOracle(adapter string) (*BlueZOracle, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	return &BlueZOracle{
		conn: conn,
		path: dbus.ObjectPath("/org/bluez/" + adapter),
	}, nil
}

func (o *BlueZOracle) powered() (bool, error) {
	v, err := o.conn.Object(bluezService, o.path).GetProperty(bluezAdapter1 + ".Powered")
	if err != nil {
		return false, err
	}
	p, ok := v.Value().(bool)
	return ok && p, nil
}

func (o *BlueZOracle) HasScanPermission() bool {
	_, err := o.powered()
	return !isAccessDenied(err)
}

func (o *BlueZOracle) HasConnectPermission() bool {
	_, err := o.powered()
	return !isAccessDenied(err)
}

func (o *BlueZOracle) AdapterEnabled() bool {
	p, err := o.powered()
	return err == nil && p
}

func isAccessDenied(err error) bool {
	if err == nil {
		return false
	}
	var e dbus.Error
	if errors.As(err, &e) {
		return e.Name == dbusAccessDenied
	}
	var pe *dbus.Error
	if errors.As(err, &pe) {
		return pe.Name == dbusAccessDenied
	}
	return strings.Contains(err.Error(), "AccessDenied")
}
