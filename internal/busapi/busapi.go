// Package busapi exposes duskd's external request surface on the session
// bus: a single object with a Lock() method that third parties (keybinding
// daemons, menu entries) call to run the configured locker immediately.
//
// Bus name, object path, and interface are configuration-provided. When no
// locker is configured the method answers with the standard UnknownMethod
// error, so callers can distinguish "not supported" from "failed".

package busapi

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"go.uber.org/zap"

	"github.com/duskd/duskd/internal/actor"
	"github.com/duskd/duskd/internal/effect"
)

const (
	unknownMethodError = "org.freedesktop.DBus.Error.UnknownMethod"
	lockCallTimeout    = 30 * time.Second
)

// Server owns the exported session-bus object.
type Server struct {
	log   *zap.Logger
	name  string
	path  dbus.ObjectPath
	iface string

	// lock is nil when no locker is configured.
	lock *effect.Port
}

// New builds an unexported server. The server takes ownership of the lock
// port capability.
func New(name, path, iface string, lock *effect.Port, log *zap.Logger) *Server {
	return &Server{
		log:   log.Named("bus-api"),
		name:  name,
		path:  dbus.ObjectPath(path),
		iface: iface,
		lock:  lock,
	}
}

// Spawn exports the object, claims the bus name, and returns the lifecycle
// handle. Stopping the handle releases the name and unexports the object.
func (s *Server) Spawn(conn *dbus.Conn) (*actor.Handle, error) {
	if err := conn.Export(s, s.path, s.iface); err != nil {
		return nil, fmt.Errorf("busapi.Spawn: exporting object: %w", err)
	}

	node := &introspect.Node{
		Name: string(s.path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    s.iface,
				Methods: []introspect.Method{{Name: "Lock"}},
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), s.path,
		"org.freedesktop.DBus.Introspectable"); err != nil {
		return nil, fmt.Errorf("busapi.Spawn: exporting introspection: %w", err)
	}

	reply, err := conn.RequestName(s.name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, fmt.Errorf("busapi.Spawn: requesting name %s: %w", s.name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, fmt.Errorf("busapi.Spawn: name %s already taken (reply %d)", s.name, reply)
	}
	s.log.Debug("bound to session bus", zap.String("name", s.name))

	handle, child := actor.NewHandle()
	go func() {
		<-child.ShouldTerminate()
		if _, err := conn.ReleaseName(s.name); err != nil {
			s.log.Error("failed to release bus name", zap.Error(err))
		}
		_ = conn.Export(nil, s.path, s.iface)
		_ = conn.Export(nil, s.path, "org.freedesktop.DBus.Introspectable")
		if s.lock != nil {
			s.lock.Close()
		}
		s.log.Debug("terminated")
	}()
	return handle, nil
}

// Lock runs the configured locker. Exported on the session bus.
func (s *Server) Lock() *dbus.Error {
	if s.lock == nil {
		return dbus.NewError(unknownMethodError,
			[]interface{}{"method not supported when the lock effector is not configured"})
	}
	s.log.Info("locking session on external request")
	ctx, cancel := context.WithTimeout(context.Background(), lockCallTimeout)
	defer cancel()
	if _, err := s.lock.Call(ctx, effect.Execute); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}
