// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package session

import (
	"context"

	mdl "github.com/svipe/go-mdl"
	"github.com/svipe/go-mdl/cose"
)

// Advertisement describes how a channel is opened.
type Advertisement struct {
	Channel Channel
	Mode    BLEServiceMode // BLE only

	// Engagement is the encoded device engagement. Radios use its retrieval
	// options (service UUIDs, Wi-Fi Aware parameters) to find each other.
	Engagement []byte
}

// Transport abstracts the BLE GATT and Wi-Fi Aware radios.
type Transport interface {
	// Advertise opens the holder side of a channel. It returns once the
	// holder is discoverable; the returned Conn blocks on Receive until a
	// reader connects.
	Advertise(context.Context, Advertisement) (Conn, error)

	// Connect opens the reader side of a channel advertised by a holder.
	Connect(context.Context, Advertisement) (Conn, error)
}

// Conn is an open channel carrying whole session messages.
type Conn interface {
	// Send one message.
	Send(ctx context.Context, msg []byte) error

	// Receive blocks until a message arrives. It returns io.EOF once the peer
	// has closed the channel.
	Receive(ctx context.Context) ([]byte, error)

	// Close releases the channel. It is safe to call more than once.
	Close() error
}

// CredentialStore looks up issued credentials by name.
type CredentialStore interface {
	// GetIdentityCredential returns *mdl.CredentialNotFoundError when no
	// credential with the name exists.
	GetIdentityCredential(ctx context.Context, name string) (*mdl.Credential, error)
}

// IssuerAuthority certifies ephemeral device keys for credentials whose
// presentation requires device authentication.
type IssuerAuthority interface {
	// CertifyDeviceKey returns a COSE_Sign1 binding the device key to the
	// credential.
	CertifyDeviceKey(ctx context.Context, cred *mdl.Credential, deviceKey *cose.Key) ([]byte, error)
}
