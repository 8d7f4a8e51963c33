package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-routeros/routeros/v3"
	"go.uber.org/zap"

	"hotspot_billing/internal/config"
)

const ipBindingPath = "/ip/hotspot/ip-binding"

// DeviceGateway grants and revokes network access for a device.
// Both operations report success as a bool and never return device errors.
type DeviceGateway interface {
	Grant(ctx context.Context, hardwareAddress, networkAddress, comment string) bool
	Revoke(ctx context.Context, hardwareAddress string) bool
}

// DeviceSession is a DeviceGateway bound to one connection.
type DeviceSession interface {
	DeviceGateway
	Close() error
}

// DeviceSessions opens sessions for one logical operation each.
type DeviceSessions interface {
	Session() DeviceSession
}

// RouterConn is the subset of a RouterOS API connection we rely on.
// Close must unblock a Run in progress.
type RouterConn interface {
	Run(ctx context.Context, sentence ...string) ([]map[string]string, error)
	Close()
}

// RouterDialer opens a RouterConn.
type RouterDialer func(ctx context.Context) (RouterConn, error)

// routerosConn keeps the socket so every command can carry the caller's
// deadline. The client only honours contexts in async mode.
type routerosConn struct {
	c     *routeros.Client
	raw   net.Conn
	close sync.Once
}

func dialRouterOS(ctx context.Context, cfg config.RouterConfig) (RouterConn, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	raw, err := new(net.Dialer).DialContext(ctx, "tcp", cfg.Address())
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	conn := &routerosConn{raw: raw}
	conn.c, err = routeros.NewClient(raw)
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	deadline, _ := ctx.Deadline()
	_ = raw.SetDeadline(deadline)
	if err := conn.c.LoginContext(ctx, cfg.Username, cfg.Password); err != nil {
		conn.Close()
		return nil, fmt.Errorf("login: %w", err)
	}
	return conn, nil
}

func (r *routerosConn) Run(ctx context.Context, sentence ...string) ([]map[string]string, error) {
	deadline, _ := ctx.Deadline()
	if err := r.raw.SetDeadline(deadline); err != nil {
		return nil, err
	}

	reply, err := r.c.RunArgsContext(ctx, sentence)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	rows := make([]map[string]string, 0, len(reply.Re))
	for _, re := range reply.Re {
		rows = append(rows, re.Map)
	}
	return rows, nil
}

func (r *routerosConn) Close() {
	r.close.Do(func() {
		if r.c != nil {
			_ = r.c.Close()
			return
		}
		_ = r.raw.Close()
	})
}

// RouterOption configures a RouterService.
type RouterOption func(*RouterService)

// WithRouterDialer replaces the RouterOS dialer, mostly for tests.
func WithRouterDialer(d RouterDialer) RouterOption {
	return func(s *RouterService) { s.dial = d }
}

// WithRouterMetrics records grant and revoke results.
func WithRouterMetrics(m *Metrics) RouterOption {
	return func(s *RouterService) { s.metrics = m }
}

// RouterService controls hotspot bypass bindings on a MikroTik router.
type RouterService struct {
	dial    RouterDialer
	log     *zap.Logger
	metrics *Metrics
}

func NewRouterService(cfg config.RouterConfig, log *zap.Logger, opts ...RouterOption) *RouterService {
	s := &RouterService{
		log: log.Named("router"),
		dial: func(ctx context.Context) (RouterConn, error) {
			if cfg.Timeout <= 0 {
				cfg.Timeout = 10 * time.Second
			}
			return dialRouterOS(ctx, cfg)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Session returns a session that dials on first use.
func (s *RouterService) Session() DeviceSession {
	return &routerSession{svc: s}
}

// Grant opens a session, grants, and closes it.
func (s *RouterService) Grant(ctx context.Context, hardwareAddress, networkAddress, comment string) bool {
	session := s.Session()
	defer session.Close()
	return session.Grant(ctx, hardwareAddress, networkAddress, comment)
}

// Revoke opens a session, revokes, and closes it.
func (s *RouterService) Revoke(ctx context.Context, hardwareAddress string) bool {
	session := s.Session()
	defer session.Close()
	return session.Revoke(ctx, hardwareAddress)
}

// Ping dials the router and reports whether the login succeeded.
func (s *RouterService) Ping(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	conn.Close()
	return nil
}

type routerSession struct {
	svc     *RouterService
	mu      sync.Mutex
	conn    RouterConn
	dialErr error
	closed  bool
}

// connection dials at most once per session. A failed dial is remembered so a
// batch does not pay the timeout for every row.
func (rs *routerSession) connection(ctx context.Context) (RouterConn, error) {
	if rs.closed {
		return nil, errors.New("session closed")
	}
	if rs.conn != nil {
		return rs.conn, nil
	}
	if rs.dialErr != nil {
		return nil, rs.dialErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := rs.svc.dial(ctx)
	if err != nil {
		rs.dialErr = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		return nil, rs.dialErr
	}
	rs.conn = conn
	return conn, nil
}

// run executes one command, closing the connection if ctx ends first. A
// connection that failed mid-command is not reused by the session.
func (rs *routerSession) run(ctx context.Context, conn RouterConn, sentence ...string) ([]map[string]string, error) {
	type result struct {
		rows []map[string]string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		rows, err := conn.Run(ctx, sentence...)
		done <- result{rows, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = result{err: ctx.Err()}
	}
	if res.err != nil && ctx.Err() != nil {
		conn.Close()
		rs.conn = nil
		rs.dialErr = fmt.Errorf("%w: %v", ErrDeviceUnavailable, ctx.Err())
		return nil, rs.dialErr
	}
	return res.rows, res.err
}

func (rs *routerSession) Grant(ctx context.Context, hardwareAddress, networkAddress, comment string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	log := rs.svc.log.With(zap.String("hardware_address", hardwareAddress), zap.String("network_address", networkAddress))
	ok := rs.grant(ctx, hardwareAddress, networkAddress, comment, log)
	rs.svc.metrics.ObserveDeviceOp("grant", ok)
	return ok
}

func (rs *routerSession) grant(ctx context.Context, hardwareAddress, networkAddress, comment string, log *zap.Logger) bool {
	conn, err := rs.connection(ctx)
	if err != nil {
		log.Warn("grant failed: router unavailable", zap.Error(err))
		return false
	}

	existing, err := rs.run(ctx, conn, ipBindingPath+"/print", "?mac-address="+hardwareAddress)
	if err != nil {
		log.Warn("grant failed: lookup", zap.Error(err))
		return false
	}
	if len(existing) > 0 {
		log.Info("binding already present")
		return true
	}

	_, err = rs.run(ctx, conn, ipBindingPath+"/add",
		"=mac-address="+hardwareAddress,
		"=address="+networkAddress,
		"=to-address="+networkAddress,
		"=type=bypassed",
		"=comment="+comment,
	)
	if err != nil {
		log.Warn("grant failed: add binding", zap.Error(err))
		return false
	}

	log.Info("device authorized")
	return true
}

func (rs *routerSession) Revoke(ctx context.Context, hardwareAddress string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	log := rs.svc.log.With(zap.String("hardware_address", hardwareAddress))
	ok := rs.revoke(ctx, hardwareAddress, log)
	rs.svc.metrics.ObserveDeviceOp("revoke", ok)
	return ok
}

func (rs *routerSession) revoke(ctx context.Context, hardwareAddress string, log *zap.Logger) bool {
	conn, err := rs.connection(ctx)
	if err != nil {
		log.Warn("revoke failed: router unavailable", zap.Error(err))
		return false
	}

	bindings, err := rs.run(ctx, conn, ipBindingPath+"/print", "?mac-address="+hardwareAddress)
	if err != nil {
		log.Warn("revoke failed: lookup", zap.Error(err))
		return false
	}

	for _, binding := range bindings {
		id := strings.TrimSpace(binding[".id"])
		if id == "" {
			continue
		}
		if _, err := rs.run(ctx, conn, ipBindingPath+"/remove", "=.id="+id); err != nil {
			log.Warn("revoke failed: remove binding", zap.String("binding_id", id), zap.Error(err))
			return false
		}
	}

	if len(bindings) > 0 {
		log.Info("device authorization removed", zap.Int("bindings", len(bindings)))
	}
	return true
}

func (rs *routerSession) Close() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.closed {
		return nil
	}
	rs.closed = true
	if rs.conn != nil {
		rs.conn.Close()
		rs.conn = nil
	}
	return nil
}

var (
	_ DeviceGateway  = (*RouterService)(nil)
	_ DeviceSessions = (*RouterService)(nil)
	_ DeviceSession  = (*routerSession)(nil)
)
