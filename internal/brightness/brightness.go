// Package brightness controls a sysfs backlight device.
//
// Reads go straight to /sys/class/backlight/<device>; writes are delegated
// to logind's Session.SetBrightness, which performs the privileged sysfs
// write on behalf of the session owner, so duskd needs no special
// permissions of its own.
//
// The public unit is percent of maximum brightness; raw device units never
// leave this package.

package brightness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	sysfsRoot = "/sys/class/backlight"
	subsystem = "backlight"
)

// Controller is the surface the brightness effector consumes.
type Controller interface {
	// Brightness returns the current brightness in percent (0..100).
	Brightness(ctx context.Context) (int, error)

	// SetBrightness sets the brightness to the given percent of maximum.
	SetBrightness(ctx context.Context, percent int) error
}

// Setter performs the privileged backlight write. *logind.Session
// implements it.
type Setter interface {
	SetBrightness(ctx context.Context, subsystem, name string, value uint32) error
}

// Backlight is a sysfs-backed Controller.
type Backlight struct {
	root   string
	device string
	max    uint32
	setter Setter
}

// Discover picks a backlight device. An empty name selects the
// alphabetically first device under /sys/class/backlight; naming a device
// that does not exist is an error.
func Discover(device string, setter Setter) (*Backlight, error) {
	return discover(sysfsRoot, device, setter)
}

func discover(root, device string, setter Setter) (*Backlight, error) {
	if device == "" {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, fmt.Errorf("brightness.Discover: reading %s: %w", root, err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("brightness.Discover: no backlight devices under %s", root)
		}
		sort.Strings(names)
		device = names[0]
	}

	b := &Backlight{root: root, device: device, setter: setter}
	max, err := b.readValue("max_brightness")
	if err != nil {
		return nil, fmt.Errorf("brightness.Discover: device %s: %w", device, err)
	}
	if max == 0 {
		return nil, fmt.Errorf("brightness.Discover: device %s reports zero max brightness", device)
	}
	b.max = max
	return b, nil
}

// Device returns the name of the controlled backlight device.
func (b *Backlight) Device() string { return b.device }

// Brightness implements Controller.
func (b *Backlight) Brightness(ctx context.Context) (int, error) {
	raw, err := b.readValue("actual_brightness")
	if err != nil {
		// Some drivers only expose the requested value.
		raw, err = b.readValue("brightness")
		if err != nil {
			return 0, err
		}
	}
	return int((uint64(raw)*100 + uint64(b.max)/2) / uint64(b.max)), nil
}

// SetBrightness implements Controller.
func (b *Backlight) SetBrightness(ctx context.Context, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	raw := uint32(uint64(percent) * uint64(b.max) / 100)
	if err := b.setter.SetBrightness(ctx, subsystem, b.device, raw); err != nil {
		return fmt.Errorf("brightness.SetBrightness(%d%%): %w", percent, err)
	}
	return nil
}

func (b *Backlight) readValue(file string) (uint32, error) {
	path := filepath.Join(b.root, b.device, file)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}
	value, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	return uint32(value), nil
}
