package testutil

import (
	"context"
	"sync"

	"hotspot_billing/internal/services"
)

// GrantCall records one Grant invocation.
type GrantCall struct {
	HardwareAddress string
	NetworkAddress  string
	Comment         string
}

// FakeDevice is an in-memory DeviceSessions that records every call.
type FakeDevice struct {
	mu          sync.Mutex
	grants      []GrantCall
	revokes     []string
	sessions    int
	dialled     int
	closed      int
	grantFails  bool
	revokeFails map[string]bool
}

func NewFakeDevice() *FakeDevice {
	return &FakeDevice{revokeFails: map[string]bool{}}
}

// FailGrants makes every later Grant report failure.
func (d *FakeDevice) FailGrants(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.grantFails = fail
}

// FailRevoke makes Revoke for hardwareAddress report failure.
func (d *FakeDevice) FailRevoke(hardwareAddress string, fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.revokeFails[hardwareAddress] = fail
}

func (d *FakeDevice) Grants() []GrantCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]GrantCall(nil), d.grants...)
}

func (d *FakeDevice) Revokes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.revokes...)
}

// Sessions is how many sessions were opened.
func (d *FakeDevice) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions
}

// Dials is how many sessions actually connected, i.e. performed at least one operation.
func (d *FakeDevice) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialled
}

// Closed is how many sessions were closed.
func (d *FakeDevice) Closed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *FakeDevice) Session() services.DeviceSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions++
	return &fakeSession{device: d}
}

func (d *FakeDevice) Grant(ctx context.Context, hardwareAddress, networkAddress, comment string) bool {
	s := d.Session()
	defer s.Close()
	return s.Grant(ctx, hardwareAddress, networkAddress, comment)
}

func (d *FakeDevice) Revoke(ctx context.Context, hardwareAddress string) bool {
	s := d.Session()
	defer s.Close()
	return s.Revoke(ctx, hardwareAddress)
}

type fakeSession struct {
	device    *FakeDevice
	connected bool
}

func (s *fakeSession) connect() {
	if !s.connected {
		s.connected = true
		s.device.dialled++
	}
}

func (s *fakeSession) Grant(ctx context.Context, hardwareAddress, networkAddress, comment string) bool {
	d := s.device
	d.mu.Lock()
	defer d.mu.Unlock()
	s.connect()
	d.grants = append(d.grants, GrantCall{
		HardwareAddress: hardwareAddress,
		NetworkAddress:  networkAddress,
		Comment:         comment,
	})
	return !d.grantFails
}

func (s *fakeSession) Revoke(ctx context.Context, hardwareAddress string) bool {
	d := s.device
	d.mu.Lock()
	defer d.mu.Unlock()
	s.connect()
	d.revokes = append(d.revokes, hardwareAddress)
	return !d.revokeFails[hardwareAddress]
}

func (s *fakeSession) Close() error {
	s.device.mu.Lock()
	defer s.device.mu.Unlock()
	s.device.closed++
	return nil
}

var (
	_ services.DeviceSessions = (*FakeDevice)(nil)
	_ services.DeviceGateway  = (*FakeDevice)(nil)
)
