// Package scope defines failure scopes, the tokens that tie a recoverable
// unit to the server instance that owns it, and the codec that stores them
// in every record.
package scope

import (
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/rlog/internal/wire"
)

// FailureScope identifies the server or process instance a unit belongs to.
type FailureScope interface {
	// Contains reports whether other falls within this scope.
	Contains(other FailureScope) bool

	String() string
}

// Codec serializes failure scopes for the log.
type Codec interface {
	Encode(s FailureScope) ([]byte, error)
	Decode(b []byte) (FailureScope, error)
}

// ServerScope is the scope of one run of a named server. A scope with a nil
// instance covers every run of that server.
type ServerScope struct {
	Server   string
	Instance uuid.UUID
}

// NewServerScope returns a scope for a new run of server. Instance ids are
// UUIDv7, so they sort by start time.
func NewServerScope(server string) ServerScope {
	return ServerScope{Server: norm.NFC.String(server), Instance: uuid.Must(uuid.NewV7())}
}

// AllRuns returns the scope covering every run of server.
func AllRuns(server string) ServerScope {
	return ServerScope{Server: norm.NFC.String(server)}
}

// Contains implements FailureScope.
func (s ServerScope) Contains(other FailureScope) bool {
	o, ok := other.(ServerScope)
	if !ok || norm.NFC.String(o.Server) != norm.NFC.String(s.Server) {
		return false
	}
	return s.Instance == uuid.Nil || s.Instance == o.Instance
}

func (s ServerScope) String() string {
	if s.Instance == uuid.Nil {
		return s.Server
	}
	return s.Server + "/" + s.Instance.String()
}

// ServerCodec encodes a ServerScope as a length-prefixed server name followed
// by the 16 instance bytes.
type ServerCodec struct{}

// Encode implements Codec.
func (ServerCodec) Encode(s FailureScope) ([]byte, error) {
	ss, ok := s.(ServerScope)
	if !ok {
		return nil, fmt.Errorf("scope: cannot encode %T", s)
	}
	name := []byte(norm.NFC.String(ss.Server))
	buf := make([]byte, wire.BlobSize(name)+len(ss.Instance))
	off := wire.PutBlob(buf, 0, name)
	wire.PutRaw(buf, off, ss.Instance[:])
	return buf, nil
}

// Decode implements Codec.
func (ServerCodec) Decode(b []byte) (FailureScope, error) {
	name, off, err := wire.Blob(b, 0)
	if err != nil {
		return nil, fmt.Errorf("scope: decode server: %w", err)
	}
	raw, off, err := wire.Raw(b, off, 16)
	if err != nil {
		return nil, fmt.Errorf("scope: decode instance: %w", err)
	}
	if off != len(b) {
		return nil, fmt.Errorf("scope: %d trailing bytes", len(b)-off)
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("scope: decode instance: %w", err)
	}
	return ServerScope{Server: string(name), Instance: id}, nil
}
