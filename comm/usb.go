package comm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"
)

// USBLink is a Link over a USB bulk IN/OUT endpoint pair, as used by
// instruments that speak their ASCII protocol over a vendor-specific interface
type USBLink struct {
	VID, PID uint16
	InEP     int
	OutEP    int

	mu     sync.Mutex
	ctx    *gousb.Context
	device *gousb.Device
	iface  *gousb.Interface
	closer func()
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	p      pending
}

// NewUSBLink creates a new USB link from the vendor and product ID and the
// endpoint numbers of the bulk pipes
func NewUSBLink(vid, pid uint16, inEP, outEP int) *USBLink {
	return &USBLink{VID: vid, PID: pid, InEP: inEP, OutEP: outEP}
}

// Open claims the device's default interface
func (u *USBLink) Open() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.device != nil {
		return nil
	}
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(u.VID), gousb.ID(u.PID))
	if err != nil {
		ctx.Close()
		return err
	}
	if dev == nil {
		ctx.Close()
		return fmt.Errorf("no USB device %04x:%04x", u.VID, u.PID)
	}
	if err = dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return err
	}
	iface, closer, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		ctx.Close()
		return err
	}
	in, err := iface.InEndpoint(u.InEP)
	if err == nil {
		var out *gousb.OutEndpoint
		out, err = iface.OutEndpoint(u.OutEP)
		u.out = out
	}
	if err != nil {
		closer()
		dev.Close()
		ctx.Close()
		return err
	}
	u.ctx, u.device, u.iface, u.closer, u.in = ctx, dev, iface, closer, in
	return nil
}

// Configure implements Link; USB instruments have no line rate
func (u *USBLink) Configure(baud int, flow FlowControl) error {
	return nil
}

// Write implements Link
func (u *USBLink) Write(b []byte) error {
	u.mu.Lock()
	out := u.out
	u.mu.Unlock()
	if out == nil {
		return ErrNotConnected
	}
	n, err := out.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("wrote %d of %d bytes", n, len(b))
	}
	return nil
}

// ReadUntil implements Link
func (u *USBLink) ReadUntil(terms []byte, timeout time.Duration) ([]byte, error) {
	u.mu.Lock()
	in := u.in
	u.mu.Unlock()
	if in == nil {
		return nil, ErrNotConnected
	}
	read := func(buf []byte, until time.Time) (int, error) {
		ctx, cancel := context.WithDeadline(context.Background(), until)
		defer cancel()
		n, err := in.ReadContext(ctx, buf)
		if err != nil && ctx.Err() != nil {
			return n, nil
		}
		return n, err
	}
	return collect(read, &u.p, terms, timeout, false)
}

// Close releases the interface and the device
func (u *USBLink) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.device == nil {
		return nil
	}
	u.closer()
	err := u.device.Close()
	u.ctx.Close()
	u.device, u.iface, u.in, u.out, u.ctx = nil, nil, nil, nil, nil
	return err
}
