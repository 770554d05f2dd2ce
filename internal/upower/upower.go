// Package upower wraps the UPower D-Bus API surface duskd consumes: the
// OnBattery property of the daemon and the Percentage property of the
// composite display device, together with change notifications for both.
//
// Bus layout:
//
//	service  org.freedesktop.UPower                          (system bus)
//	daemon   /org/freedesktop/UPower                         org.freedesktop.UPower
//	device   /org/freedesktop/UPower/devices/DisplayDevice   org.freedesktop.UPower.Device

package upower

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	busName     = "org.freedesktop.UPower"
	daemonPath  = dbus.ObjectPath("/org/freedesktop/UPower")
	daemonIface = "org.freedesktop.UPower"
	devicePath  = dbus.ObjectPath("/org/freedesktop/UPower/devices/DisplayDevice")
	deviceIface = "org.freedesktop.UPower.Device"

	propsIface         = "org.freedesktop.DBus.Properties"
	propsChangedMember = "PropertiesChanged"
)

// Client reads power status from UPower.
type Client struct {
	conn   *dbus.Conn
	daemon dbus.BusObject
	device dbus.BusObject
}

// NewClient wraps an established system-bus connection.
func NewClient(conn *dbus.Conn) *Client {
	return &Client{
		conn:   conn,
		daemon: conn.Object(busName, daemonPath),
		device: conn.Object(busName, devicePath),
	}
}

// OnBattery reports whether the host currently draws from a battery.
func (c *Client) OnBattery(ctx context.Context) (bool, error) {
	variant, err := c.daemon.GetProperty(daemonIface + ".OnBattery")
	if err != nil {
		return false, fmt.Errorf("upower.OnBattery: %w", err)
	}
	value, ok := variant.Value().(bool)
	if !ok {
		return false, fmt.Errorf("upower.OnBattery: unexpected type %T", variant.Value())
	}
	return value, nil
}

// Percentage reads the display device's charge percentage.
func (c *Client) Percentage(ctx context.Context) (float64, error) {
	variant, err := c.device.GetProperty(deviceIface + ".Percentage")
	if err != nil {
		return 0, fmt.Errorf("upower.Percentage: %w", err)
	}
	value, ok := variant.Value().(float64)
	if !ok {
		return 0, fmt.Errorf("upower.Percentage: unexpected type %T", variant.Value())
	}
	return value, nil
}

// Changes subscribes to property-change notifications on both the daemon
// and the display device. Each delivery means "re-read the properties"; the
// payload itself is not forwarded. Call cancel to unsubscribe.
func (c *Client) Changes(buffer int) (<-chan struct{}, func(), error) {
	matches := [][]dbus.MatchOption{
		{
			dbus.WithMatchInterface(propsIface),
			dbus.WithMatchMember(propsChangedMember),
			dbus.WithMatchObjectPath(daemonPath),
		},
		{
			dbus.WithMatchInterface(propsIface),
			dbus.WithMatchMember(propsChangedMember),
			dbus.WithMatchObjectPath(devicePath),
		},
	}
	for _, m := range matches {
		if err := c.conn.AddMatchSignal(m...); err != nil {
			return nil, nil, fmt.Errorf("upower.Changes: match: %w", err)
		}
	}

	raw := make(chan *dbus.Signal, buffer)
	out := make(chan struct{}, 1)
	c.conn.Signal(raw)
	go func() {
		defer close(out)
		for sig := range raw {
			if sig.Name != propsIface+"."+propsChangedMember {
				continue
			}
			select {
			case out <- struct{}{}:
			default: // change already pending; reader re-reads the latest state
			}
		}
	}()

	cancel := func() {
		for _, m := range matches {
			_ = c.conn.RemoveMatchSignal(m...)
		}
		c.conn.RemoveSignal(raw)
		close(raw)
	}
	return out, cancel, nil
}
