// Package bluez connects to a MeshChat gateway through the BlueZ D-Bus API
// directly, for Linux hosts where a system bus is available but cgo-free
// builds or a specific adapter (hci1, ...) are needed.
//
// Discovery polls ObjectManager.GetManagedObjects while an LE discovery
// filter for the service UUID is active. Notifications and link drops both
// arrive as PropertiesChanged signals, handled by one signal loop.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/openmesh/meshchat-go/transport"
	"github.com/openmesh/meshchat-go/transport/gatt"
)

const (
	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	bluezDevice1      = "org.bluez.Device1"
	bluezGattService1 = "org.bluez.GattService1"
	bluezGattChar1    = "org.bluez.GattCharacteristic1"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"
	dbusProperties    = "org.freedesktop.DBus.Properties"

	// DefaultAdapter is the BlueZ adapter used when none is configured.
	DefaultAdapter = "hci0"

	pollInterval = 500 * time.Millisecond
)

var ErrServicesUnresolved = errors.New("GATT services not resolved")

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Config configures a BlueZ Link.
type Config struct {
	// Adapter is the BlueZ adapter name. Default: "hci0".
	Adapter string
	// Link holds scan, connect and write tuning.
	Link gatt.Config
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// New connects to the system bus and returns a Link using adapter
// cfg.Adapter.
func New(cfg Config) (*gatt.Link, error) {
	if cfg.Adapter == "" {
		cfg.Adapter = DefaultAdapter
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Link.Logger == nil {
		cfg.Link.Logger = cfg.Logger
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to system bus: %w", err)
	}
	c := &central{
		conn:    conn,
		adapter: cfg.Adapter,
		log:     cfg.Logger.WithGroup("bluez"),
		notify:  make(map[dbus.ObjectPath]func([]byte)),
	}
	if err := c.watch(); err != nil {
		return nil, err
	}
	return gatt.New(c, cfg.Link), nil
}

type central struct {
	conn    *dbus.Conn
	adapter string
	log     *slog.Logger

	mu      sync.RWMutex
	notify  map[dbus.ObjectPath]func([]byte)
	devices map[dbus.ObjectPath]string // connected device path -> address
	drop    func(address string, err error)
}

func (c *central) adapterPath() dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + c.adapter)
}

func (c *central) SetDropHandler(fn func(address string, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drop = fn
}

func (c *central) Scan(ctx context.Context, service string, found func(transport.Peripheral) bool) error {
	adapter := c.conn.Object(bluezBus, c.adapterPath())

	filter := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("le"),
		"UUIDs":     dbus.MakeVariant([]string{service}),
	}
	if call := adapter.CallWithContext(ctx, bluezAdapter1+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		return fmt.Errorf("setting discovery filter: %w", call.Err)
	}
	if call := adapter.CallWithContext(ctx, bluezAdapter1+".StartDiscovery", 0); call.Err != nil {
		return fmt.Errorf("starting discovery: %w", call.Err)
	}
	defer adapter.Call(bluezAdapter1+".StopDiscovery", 0)

	seen := make(map[string]bool)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		objects, err := c.managedObjects()
		if err != nil {
			c.log.Warn("listing BlueZ objects", "error", err)
		}
		for _, p := range matchDevices(objects, c.adapterPath(), service) {
			if seen[p.Address] {
				continue
			}
			seen[p.Address] = true
			if found(p) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *central) Connect(ctx context.Context, p transport.Peripheral) (gatt.Device, error) {
	path, ok := p.Handle.(dbus.ObjectPath)
	if !ok {
		path = devicePath(c.adapter, p.Address)
	}
	obj := c.conn.Object(bluezBus, path)

	if call := obj.CallWithContext(ctx, bluezDevice1+".Connect", 0); call.Err != nil {
		return nil, call.Err
	}

	c.mu.Lock()
	if c.devices == nil {
		c.devices = make(map[dbus.ObjectPath]string)
	}
	c.devices[path] = p.Address
	c.mu.Unlock()

	d := &device{c: c, path: path}
	if err := c.waitServicesResolved(ctx, path); err != nil {
		d.Disconnect()
		return nil, err
	}
	return d, nil
}

func (c *central) waitServicesResolved(ctx context.Context, path dbus.ObjectPath) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		resolved, err := getDBusProperty[bool](c.conn, path, bluezDevice1, "ServicesResolved")
		if err == nil && resolved {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrServicesUnresolved, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *central) managedObjects() (managedObjects, error) {
	var objects managedObjects
	call := c.conn.Object(bluezBus, "/").Call(dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, call.Err
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("parsing managed objects: %w", err)
	}
	return objects, nil
}

// watch starts the signal loop for notifications and drops.
func (c *central) watch() error {
	err := c.conn.AddMatchSignal(
		dbus.WithMatchSender(bluezBus),
		dbus.WithMatchInterface(dbusProperties),
		dbus.WithMatchMember("PropertiesChanged"),
	)
	if err != nil {
		return fmt.Errorf("adding signal match: %w", err)
	}

	signals := make(chan *dbus.Signal, 64)
	c.conn.Signal(signals)
	go func() {
		for sig := range signals {
			c.handleSignal(sig)
		}
	}()
	return nil
}

func (c *central) handleSignal(sig *dbus.Signal) {
	iface, changed, ok := parsePropertiesChanged(sig)
	if !ok {
		return
	}

	switch iface {
	case bluezGattChar1:
		v, ok := changed["Value"]
		if !ok {
			return
		}
		data, ok := v.Value().([]byte)
		if !ok {
			return
		}
		c.mu.RLock()
		fn := c.notify[sig.Path]
		c.mu.RUnlock()
		if fn != nil {
			fn(data)
		}

	case bluezDevice1:
		v, ok := changed["Connected"]
		if !ok {
			return
		}
		if connected, ok := v.Value().(bool); !ok || connected {
			return
		}
		c.mu.Lock()
		address, known := c.devices[sig.Path]
		delete(c.devices, sig.Path)
		drop := c.drop
		c.mu.Unlock()
		if known && drop != nil {
			drop(address, nil)
		}
	}
}

// device is a connected BlueZ Device1 object.
type device struct {
	c       *central
	path    dbus.ObjectPath
	inPath  dbus.ObjectPath
	outPath dbus.ObjectPath
}

func (d *device) Subscribe(ctx context.Context, svc transport.ServiceDescriptor, notify func([]byte)) error {
	objects, err := d.c.managedObjects()
	if err != nil {
		return fmt.Errorf("listing GATT objects: %w", err)
	}
	in, out, err := findCharacteristics(objects, d.path, svc)
	if err != nil {
		return err
	}
	d.inPath, d.outPath = in, out

	d.c.mu.Lock()
	d.c.notify[in] = notify
	d.c.mu.Unlock()

	if call := d.c.conn.Object(bluezBus, in).CallWithContext(ctx, bluezGattChar1+".StartNotify", 0); call.Err != nil {
		d.c.mu.Lock()
		delete(d.c.notify, in)
		d.c.mu.Unlock()
		return fmt.Errorf("StartNotify: %w", call.Err)
	}
	return nil
}

func (d *device) Write(frame []byte) error {
	if d.outPath == "" {
		return transport.ErrNotConnected
	}
	call := d.c.conn.Object(bluezBus, d.outPath).Call(bluezGattChar1+".WriteValue", 0, frame, map[string]dbus.Variant{
		"type": dbus.MakeVariant("request"),
	})
	return call.Err
}

func (d *device) Disconnect() error {
	d.c.mu.Lock()
	delete(d.c.devices, d.path)
	if d.inPath != "" {
		delete(d.c.notify, d.inPath)
	}
	d.c.mu.Unlock()

	if d.inPath != "" {
		d.c.conn.Object(bluezBus, d.inPath).Call(bluezGattChar1+".StopNotify", 0)
	}
	return d.c.conn.Object(bluezBus, d.path).Call(bluezDevice1+".Disconnect", 0).Err
}

// matchDevices lists devices under adapter that advertise service, in
// object path order.
func matchDevices(objects managedObjects, adapter dbus.ObjectPath, service string) []transport.Peripheral {
	prefix := string(adapter) + "/"
	var paths []dbus.ObjectPath
	for path, ifaces := range objects {
		if _, ok := ifaces[bluezDevice1]; ok && strings.HasPrefix(string(path), prefix) {
			paths = append(paths, path)
		}
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })

	var out []transport.Peripheral
	for _, path := range paths {
		props := objects[path][bluezDevice1]
		uuids, _ := variantValue[[]string](props, "UUIDs")
		if !containsUUID(uuids, service) {
			continue
		}
		address, ok := variantValue[string](props, "Address")
		if !ok {
			continue
		}
		name, _ := variantValue[string](props, "Name")
		if name == "" {
			name, _ = variantValue[string](props, "Alias")
		}
		rssi, _ := variantValue[int16](props, "RSSI")
		out = append(out, transport.Peripheral{Address: address, Name: name, RSSI: int(rssi), Handle: path})
	}
	return out
}

// findCharacteristics locates svc's inbound and outbound characteristics
// under the device at dev.
func findCharacteristics(objects managedObjects, dev dbus.ObjectPath, svc transport.ServiceDescriptor) (in, out dbus.ObjectPath, err error) {
	var servicePath dbus.ObjectPath
	devPrefix := string(dev) + "/"
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattService1]
		if !ok || !strings.HasPrefix(string(path), devPrefix) {
			continue
		}
		if uuid, _ := variantValue[string](props, "UUID"); transport.SameUUID(uuid, svc.Service) {
			servicePath = path
			break
		}
	}
	if servicePath == "" {
		return "", "", fmt.Errorf("%w: service %s", transport.ErrServiceNotFound, svc.Service)
	}

	svcPrefix := string(servicePath) + "/"
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattChar1]
		if !ok || !strings.HasPrefix(string(path), svcPrefix) {
			continue
		}
		uuid, _ := variantValue[string](props, "UUID")
		switch {
		case transport.SameUUID(uuid, svc.Inbound):
			in = path
		case transport.SameUUID(uuid, svc.Outbound):
			out = path
		}
	}
	if in == "" || out == "" {
		return "", "", fmt.Errorf("%w: inbound=%q outbound=%q", transport.ErrServiceNotFound, in, out)
	}
	return in, out, nil
}

// parsePropertiesChanged unpacks (interface, changed, invalidated).
func parsePropertiesChanged(sig *dbus.Signal) (string, map[string]dbus.Variant, bool) {
	if sig == nil || sig.Name != dbusProperties+".PropertiesChanged" || len(sig.Body) < 2 {
		return "", nil, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return "", nil, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return "", nil, false
	}
	return iface, changed, true
}

// devicePath converts a MAC address to its BlueZ object path.
// Example: "AA:BB:CC:DD:EE:FF" on hci0 is /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func devicePath(adapter, address string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter + "/dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_"))
}

func containsUUID(uuids []string, want string) bool {
	for _, u := range uuids {
		if transport.SameUUID(u, want) {
			return true
		}
	}
	return false
}

func variantValue[T any](props map[string]dbus.Variant, key string) (T, bool) {
	var zero T
	v, ok := props[key]
	if !ok {
		return zero, false
	}
	val, ok := v.Value().(T)
	return val, ok
}

// getDBusProperty reads a property from a BlueZ object.
func getDBusProperty[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, property string) (T, error) {
	var zero T
	variant, err := conn.Object(bluezBus, path).GetProperty(iface + "." + property)
	if err != nil {
		return zero, err
	}
	val, ok := variant.Value().(T)
	if !ok {
		return zero, fmt.Errorf("property %s.%s has unexpected type %T", iface, property, variant.Value())
	}
	return val, nil
}
