// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package session sets up offline data transfer between a holder and a reader
// after device engagement.
//
// A holder builds a [Session] from its ephemeral device key, advertises the
// engagement on the selected channel with [Session.SetupHolder], and then
// exchanges encrypted messages with the reader:
//
//	sess, err := session.NewBuilder().
//		ActAs(session.Holder).
//		SetDataType(session.CBOR).
//		SetCoseKey(deviceKey).
//		SetTransferChannel(session.BLE).
//		SetBLEServiceMode(session.PeripheralServerMode).
//		SetTransport(radio).
//		Build()
//	if err != nil { ... }
//	defer sess.Close(ctx)
//	if err := sess.SetupHolder(ctx, "mDL", engagementBytes, store, false, nil); err != nil { ... }
//	request, err := sess.Establish(ctx)
//
// Every blocking call takes a context and returns exactly one result or
// error. Cancelling the context releases the channel.
package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	mdl "github.com/svipe/go-mdl"
	"github.com/svipe/go-mdl/cbor"
	"github.com/svipe/go-mdl/cose"
)

// Role is the side of the transfer a session acts as.
type Role int

// Roles
const (
	Holder Role = iota + 1
	Verifier
)

func (r Role) String() string {
	switch r {
	case Holder:
		return "holder"
	case Verifier:
		return "verifier"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// DataType is the encoding of data exchanged in a session.
type DataType int

// Data types
const (
	CBOR DataType = iota + 1
)

func (d DataType) String() string {
	if d == CBOR {
		return "CBOR"
	}
	return fmt.Sprintf("DataType(%d)", int(d))
}

// Channel is an offline transfer channel.
type Channel int

// Channels
const (
	BLE Channel = iota + 1
	WiFiAware
)

func (c Channel) String() string {
	switch c {
	case BLE:
		return "BLE"
	case WiFiAware:
		return "WiFiAware"
	default:
		return fmt.Sprintf("Channel(%d)", int(c))
	}
}

// BLEServiceMode is the BLE role of the holder.
type BLEServiceMode = mdl.BLEServiceMode

// BLE service modes
const (
	PeripheralServerMode = mdl.PeripheralServerMode
	CentralClientMode    = mdl.CentralClientMode
)

// Builder configures a [Session].
type Builder struct {
	role      Role
	dataType  DataType
	key       *cose.Key
	channel   Channel
	mode      BLEServiceMode
	transport Transport
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder { return new(Builder) }

// FromEngagement presets a builder from a decoded engagement. BLE is preferred
// over Wi-Fi Aware; the BLE service mode follows [mdl.SelectBLEServiceMode].
// The key is the session's own ephemeral key: the device key for a holder, the
// reader key for a verifier.
func FromEngagement(role Role, de *mdl.DeviceEngagement, key *cose.Key) (*Builder, error) {
	if de == nil {
		return nil, mdl.NewConfigurationError("Session", "engagement", "device engagement is required")
	}
	b := NewBuilder().ActAs(role).SetDataType(CBOR).SetCoseKey(key)
	if ble, ok := de.BLETransferMethod(); ok {
		return b.SetTransferChannel(BLE).SetBLEServiceMode(mdl.SelectBLEServiceMode(ble.Identification())), nil
	}
	if _, ok := de.WiFiAwareTransferMethod(); ok {
		return b.SetTransferChannel(WiFiAware), nil
	}
	return nil, mdl.NewConfigurationError("Session", "transferChannel", "engagement has no BLE or Wi-Fi Aware transfer method")
}

// ActAs sets the role.
func (b *Builder) ActAs(role Role) *Builder { b.role = role; return b }

// SetDataType sets the data type.
func (b *Builder) SetDataType(dt DataType) *Builder { b.dataType = dt; return b }

// SetCoseKey sets the session's ephemeral private key.
func (b *Builder) SetCoseKey(key *cose.Key) *Builder { b.key = key; return b }

// SetTransferChannel sets the channel.
func (b *Builder) SetTransferChannel(c Channel) *Builder { b.channel = c; return b }

// SetBLEServiceMode sets the BLE service mode. It is required for BLE.
func (b *Builder) SetBLEServiceMode(m BLEServiceMode) *Builder { b.mode = m; return b }

// SetTransport sets the radio. It may be left unset until the channel is
// opened.
func (b *Builder) SetTransport(t Transport) *Builder { b.transport = t; return b }

// Build validates the configuration.
func (b *Builder) Build() (*Session, error) {
	switch b.role {
	case Holder, Verifier:
	case 0:
		return nil, mdl.NewConfigurationError("Session", "role", "role is required")
	default:
		return nil, mdl.NewConfigurationError("Session", "role", fmt.Sprintf("unknown role %s", b.role))
	}
	if b.dataType != CBOR {
		return nil, mdl.NewConfigurationError("Session", "dataType", "only CBOR is supported")
	}
	if b.key == nil {
		return nil, mdl.NewConfigurationError("Session", "coseKey", "ephemeral key is required")
	}
	if _, err := b.key.ECDHPrivate(); err != nil {
		return nil, mdl.NewConfigurationError("Session", "coseKey", err.Error())
	}
	switch b.channel {
	case BLE:
		if b.mode != PeripheralServerMode && b.mode != CentralClientMode {
			return nil, mdl.NewConfigurationError("Session", "bleServiceMode", "BLE requires a service mode")
		}
	case WiFiAware:
	case 0:
		return nil, mdl.NewConfigurationError("Session", "transferChannel", "no compatible transfer channel")
	default:
		return nil, mdl.NewConfigurationError("Session", "transferChannel", fmt.Sprintf("unsupported channel %s", b.channel))
	}

	id := uuid.New()
	return &Session{
		id:        id,
		role:      b.role,
		dataType:  b.dataType,
		key:       b.key,
		channel:   b.channel,
		mode:      b.mode,
		transport: b.transport,
		log:       slog.Default().With("session", id.String(), "role", b.role.String()),
	}, nil
}

// Session is one holder or verifier interaction. It owns its channel from
// setup until [Session.Close].
type Session struct {
	id        uuid.UUID
	role      Role
	dataType  DataType
	key       *cose.Key
	channel   Channel
	mode      BLEServiceMode
	transport Transport
	log       *slog.Logger

	// Set when created by a Manager
	manager *Manager

	mu         sync.Mutex
	conn       Conn
	engagement []byte
	credential *mdl.Credential
	deviceAuth []byte
	crypter    *crypter

	// Reader key not yet sent in a SessionEstablishment (verifier only)
	readerKey *cbor.Encoded[cose.Key]
}

// ID identifies the session in logs.
func (s *Session) ID() uuid.UUID { return s.id }

// Role returns the role.
func (s *Session) Role() Role { return s.role }

// DataType returns the data type.
func (s *Session) DataType() DataType { return s.dataType }

// TransferChannel returns the channel.
func (s *Session) TransferChannel() Channel { return s.channel }

// BLEServiceMode returns the BLE service mode, which is zero for other
// channels.
func (s *Session) BLEServiceMode() BLEServiceMode { return s.mode }

// Credential returns the credential bound by SetupHolder, if any.
func (s *Session) Credential() *mdl.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credential
}

// DeviceAuth returns the issuer certification of the device key obtained
// during setup when authentication was required.
func (s *Session) DeviceAuth() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceAuth
}

// Open reports whether the session holds a channel.
func (s *Session) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}
