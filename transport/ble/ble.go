// Package ble connects to a MeshChat gateway with tinygo.org/x/bluetooth,
// which drives BlueZ on Linux, CoreBluetooth on macOS and WinRT on Windows.
package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/openmesh/meshchat-go/transport"
	"github.com/openmesh/meshchat-go/transport/gatt"
)

var ErrUnknownPeripheral = errors.New("peripheral was not discovered by this adapter")

// Config configures a tinygo bluetooth Link.
type Config struct {
	// Adapter defaults to bluetooth.DefaultAdapter.
	Adapter *bluetooth.Adapter
	// Link holds scan, connect and write tuning.
	Link gatt.Config
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// New enables the adapter and returns a Link that uses it.
func New(cfg Config) (*gatt.Link, error) {
	if cfg.Adapter == nil {
		cfg.Adapter = bluetooth.DefaultAdapter
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := cfg.Adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enabling bluetooth adapter: %w", err)
	}
	if cfg.Link.Logger == nil {
		cfg.Link.Logger = cfg.Logger
	}
	c := &central{adapter: cfg.Adapter, log: cfg.Logger.WithGroup("ble")}
	return gatt.New(c, cfg.Link), nil
}

// central adapts a tinygo Adapter to gatt.Central.
type central struct {
	adapter *bluetooth.Adapter
	log     *slog.Logger
}

func (c *central) Scan(ctx context.Context, service string, found func(transport.Peripheral) bool) error {
	uuid, err := bluetooth.ParseUUID(service)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", transport.ErrServiceNotFound, service, err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	var once sync.Once
	stopped := make(chan struct{})
	var matched bool
	stop := func() {
		once.Do(func() {
			close(stopped)
			if err := c.adapter.StopScan(); err != nil {
				c.log.Debug("stop scan", "error", err)
			}
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-stopped:
		}
	}()

	err = c.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		if matched || !result.HasServiceUUID(uuid) {
			return
		}
		p := transport.Peripheral{
			Address: result.Address.String(),
			Name:    result.LocalName(),
			RSSI:    int(result.RSSI),
			Handle:  result.Address,
		}
		if found(p) {
			matched = true
			stop()
		}
	})
	stop()

	if matched {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scanning: %w", err)
	}
	return ctx.Err()
}

func (c *central) Connect(_ context.Context, p transport.Peripheral) (gatt.Device, error) {
	addr, ok := p.Handle.(bluetooth.Address)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeripheral, p)
	}
	dev, err := c.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	return &device{dev: dev}, nil
}

func (c *central) SetDropHandler(fn func(address string, err error)) {
	c.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		if !connected {
			fn(d.Address.String(), nil)
		}
	})
}

// device adapts a connected tinygo Device to gatt.Device.
type device struct {
	dev bluetooth.Device
	out bluetooth.DeviceCharacteristic
	in  bluetooth.DeviceCharacteristic
}

func (d *device) Subscribe(_ context.Context, svc transport.ServiceDescriptor, notify func([]byte)) error {
	ids, err := parseDescriptor(svc)
	if err != nil {
		return err
	}

	services, err := d.dev.DiscoverServices([]bluetooth.UUID{ids.service})
	if err != nil || len(services) == 0 {
		return fmt.Errorf("%w: service %s: %v", transport.ErrServiceNotFound, svc.Service, err)
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{ids.inbound, ids.outbound})
	if err != nil {
		return fmt.Errorf("%w: characteristics: %v", transport.ErrServiceNotFound, err)
	}
	var haveIn, haveOut bool
	for _, ch := range chars {
		switch ch.UUID() {
		case ids.inbound:
			d.in, haveIn = ch, true
		case ids.outbound:
			d.out, haveOut = ch, true
		}
	}
	if !haveIn || !haveOut {
		return fmt.Errorf("%w: inbound=%v outbound=%v", transport.ErrServiceNotFound, haveIn, haveOut)
	}

	if err := d.in.EnableNotifications(notify); err != nil {
		return fmt.Errorf("enabling notifications: %w", err)
	}
	return nil
}

func (d *device) Write(frame []byte) error {
	_, err := d.out.Write(frame)
	return err
}

func (d *device) Disconnect() error {
	return d.dev.Disconnect()
}

type descriptorUUIDs struct {
	service, inbound, outbound bluetooth.UUID
}

// parseDescriptor converts svc to tinygo UUIDs. Unparseable UUIDs cannot
// match anything and are reported as a missing service.
func parseDescriptor(svc transport.ServiceDescriptor) (descriptorUUIDs, error) {
	var ids descriptorUUIDs
	for _, f := range []struct {
		dst *bluetooth.UUID
		src string
	}{
		{&ids.service, svc.Service},
		{&ids.inbound, svc.Inbound},
		{&ids.outbound, svc.Outbound},
	} {
		u, err := bluetooth.ParseUUID(f.src)
		if err != nil {
			return ids, fmt.Errorf("%w: %q: %w", transport.ErrServiceNotFound, f.src, err)
		}
		*f.dst = u
	}
	return ids, nil
}
