// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package session

import (
	"context"
	"fmt"

	mdl "github.com/svipe/go-mdl"
	"github.com/svipe/go-mdl/cbor"
)

// Connect opens the reader side of the channel described by a holder's
// engagement and derives the session keys. The reader key is sent with the
// first [Session.Request].
func (s *Session) Connect(ctx context.Context, engagement []byte) error {
	if s.role != Verifier {
		return mdl.NewConfigurationError("Session", "role", "Connect requires the verifier role")
	}
	if s.transport == nil {
		return mdl.NewConfigurationError("Session", "transport", "no transport to open the channel on")
	}

	de, err := mdl.DecodeDeviceEngagement(engagement)
	if err != nil {
		return fmt.Errorf("error decoding device engagement: %w", err)
	}
	deviceKey, err := de.Security().CoseKey().ECDH()
	if err != nil {
		return fmt.Errorf("invalid device key: %w", err)
	}
	priv, err := s.key.ECDHPrivate()
	if err != nil {
		return err
	}
	if deviceKey.Curve() != priv.Curve() {
		return mdl.NewConfigurationError("Session", "coseKey",
			fmt.Sprintf("reader key is on %s, device key on %s", s.key.Curve, de.Security().CoseKey().Curve))
	}

	readerKey, err := cbor.NewEncoded(*s.key.PublicPart())
	if err != nil {
		return err
	}
	transcript, err := Transcript(engagement, readerKey.Raw)
	if err != nil {
		return err
	}
	skDevice, skReader, err := deriveKeys(priv, deviceKey, transcript)
	if err != nil {
		return err
	}
	c, err := newCrypter(Verifier, skDevice, skReader)
	if err != nil {
		return err
	}

	if s.manager != nil {
		s.manager.activate(ctx, s)
	}
	s.closeChannel()

	conn, err := s.transport.Connect(ctx, Advertisement{
		Channel:    s.channel,
		Mode:       s.mode,
		Engagement: engagement,
	})
	if err != nil {
		c.destroy()
		return fmt.Errorf("error connecting over %s: %w", s.channel, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.engagement = engagement
	s.crypter = c
	s.readerKey = readerKey
	s.mu.Unlock()
	s.log.Info("connected to holder", "channel", s.channel, "mode", s.mode)
	return nil
}

// Request encrypts and sends a request and waits for the response. The first
// request establishes the session.
func (s *Session) Request(ctx context.Context, request []byte) ([]byte, error) {
	if s.role != Verifier {
		return nil, mdl.NewConfigurationError("Session", "role", "Request requires the verifier role")
	}
	conn, err := s.openConn()
	if err != nil {
		return nil, err
	}
	c, err := s.established()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	readerKey := s.readerKey
	ciphertext, err := c.encrypt(request)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var msg []byte
	if readerKey != nil {
		msg, err = cbor.Marshal(establishment{ReaderKey: *readerKey, Data: ciphertext})
	} else {
		msg, err = cbor.Marshal(sessionData{Data: ciphertext})
	}
	if err != nil {
		return nil, err
	}
	if err := s.send(ctx, conn, msg); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.readerKey = nil
	s.mu.Unlock()

	return s.Receive(ctx)
}
