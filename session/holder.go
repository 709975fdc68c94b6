// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	mdl "github.com/svipe/go-mdl"
	"github.com/svipe/go-mdl/cbor"
	"github.com/svipe/go-mdl/cbor/cdn"
)

// ErrTerminated is returned when the peer ended the session.
var ErrTerminated = errors.New("session terminated by peer")

// SetupHolder binds the named credential to the session and starts
// advertising the engagement on the session's channel. Any channel the
// session (or, for managed sessions, any other session of the manager)
// already holds is closed first.
//
// When isAuthRequired is set, issuer must certify the ephemeral device key
// before the channel is opened.
func (s *Session) SetupHolder(ctx context.Context, credentialName string, engagement []byte,
	store CredentialStore, isAuthRequired bool, issuer IssuerAuthority) error {
	if s.role != Holder {
		return mdl.NewConfigurationError("Session", "role", "SetupHolder requires the holder role")
	}
	if store == nil {
		return mdl.NewConfigurationError("Session", "credentialStore", "credential store is required")
	}
	if s.transport == nil {
		return mdl.NewConfigurationError("Session", "transport", "no transport to open the channel on")
	}
	if isAuthRequired && issuer == nil {
		return mdl.NewConfigurationError("Session", "issuerAuthority", "device authentication requires an issuer authority")
	}

	de, err := mdl.DecodeDeviceEngagement(engagement)
	if err != nil {
		return fmt.Errorf("error decoding device engagement: %w", err)
	}
	if !de.Security().CoseKey().Equal(s.key) {
		return mdl.NewConfigurationError("Session", "coseKey", "engagement does not carry the session device key")
	}

	cred, err := store.GetIdentityCredential(ctx, credentialName)
	if err != nil {
		return err
	}

	var deviceAuth []byte
	if isAuthRequired {
		if deviceAuth, err = issuer.CertifyDeviceKey(ctx, cred, s.key.PublicPart()); err != nil {
			return fmt.Errorf("error certifying device key: %w", err)
		}
	}

	// Exclusive ownership of the radio
	if s.manager != nil {
		s.manager.activate(ctx, s)
	}
	s.closeChannel()

	conn, err := s.transport.Advertise(ctx, Advertisement{
		Channel:    s.channel,
		Mode:       s.mode,
		Engagement: engagement,
	})
	if err != nil {
		return fmt.Errorf("error opening %s channel: %w", s.channel, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.engagement = engagement
	s.credential = cred
	s.deviceAuth = deviceAuth
	s.mu.Unlock()

	s.log.Info("advertising device engagement", "channel", s.channel, "mode", s.mode, "credential", credentialName)
	if s.log.Enabled(ctx, slog.LevelDebug) {
		s.log.Debug("device engagement", "engagement", cdn.String(engagement))
	}
	return nil
}

// Establish waits for the reader's SessionEstablishment message, derives the
// session keys, and returns the decrypted request.
func (s *Session) Establish(ctx context.Context) ([]byte, error) {
	if s.role != Holder {
		return nil, mdl.NewConfigurationError("Session", "role", "Establish requires the holder role")
	}
	conn, err := s.openConn()
	if err != nil {
		return nil, err
	}

	msg, err := s.receive(ctx, conn)
	if err != nil {
		return nil, err
	}
	var est establishment
	if err := cbor.Unmarshal(msg, &est); err != nil {
		s.terminate(ctx, conn, StatusDecodingError)
		return nil, fmt.Errorf("error decoding session establishment: %w", err)
	}

	priv, err := s.key.ECDHPrivate()
	if err != nil {
		return nil, err
	}
	readerKey, err := est.ReaderKey.Val.ECDH()
	if err != nil {
		s.terminate(ctx, conn, StatusDecodingError)
		return nil, fmt.Errorf("invalid reader key: %w", err)
	}
	if readerKey.Curve() != priv.Curve() {
		s.terminate(ctx, conn, StatusDecodingError)
		return nil, fmt.Errorf("reader key is on %s, device key on %s", est.ReaderKey.Val.Curve, s.key.Curve)
	}
	readerKeyBytes, err := est.ReaderKey.Bytes()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	engagement := s.engagement
	s.mu.Unlock()
	transcript, err := Transcript(engagement, readerKeyBytes)
	if err != nil {
		return nil, err
	}
	skDevice, skReader, err := deriveKeys(priv, readerKey, transcript)
	if err != nil {
		return nil, err
	}
	c, err := newCrypter(Holder, skDevice, skReader)
	if err != nil {
		return nil, err
	}
	request, err := c.decrypt(est.Data)
	if err != nil {
		s.terminate(ctx, conn, StatusDecryptionError)
		return nil, err
	}

	s.mu.Lock()
	s.crypter = c
	s.mu.Unlock()
	s.log.Info("session established")
	return request, nil
}

// Receive waits for the next request of an established session. It returns
// ErrTerminated when the reader ends the session.
func (s *Session) Receive(ctx context.Context) ([]byte, error) {
	conn, err := s.openConn()
	if err != nil {
		return nil, err
	}
	c, err := s.established()
	if err != nil {
		return nil, err
	}

	msg, err := s.receive(ctx, conn)
	if err != nil {
		return nil, err
	}
	var data sessionData
	if err := cbor.Unmarshal(msg, &data); err != nil {
		s.terminate(ctx, conn, StatusDecodingError)
		return nil, fmt.Errorf("error decoding session data: %w", err)
	}

	var plaintext []byte
	if data.Data != nil {
		s.mu.Lock()
		plaintext, err = c.decrypt(data.Data)
		s.mu.Unlock()
		if err != nil {
			s.terminate(ctx, conn, StatusDecryptionError)
			return nil, err
		}
	}
	if data.Status != nil {
		s.log.Info("peer sent session status", "status", *data.Status)
		if *data.Status == StatusTermination {
			s.closeChannel()
			return plaintext, ErrTerminated
		}
	}
	return plaintext, nil
}

// Respond encrypts and sends data to the peer of an established session.
func (s *Session) Respond(ctx context.Context, data []byte) error {
	conn, err := s.openConn()
	if err != nil {
		return err
	}
	c, err := s.established()
	if err != nil {
		return err
	}
	s.mu.Lock()
	ciphertext, err := c.encrypt(data)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	msg, err := cbor.Marshal(sessionData{Data: ciphertext})
	if err != nil {
		return err
	}
	return s.send(ctx, conn, msg)
}

// Close sends the session termination status if the session was established
// and releases the channel. Closing a session without a channel is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	conn, c, pending := s.conn, s.crypter, s.readerKey != nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	var err error
	if c != nil && !pending {
		if msg, merr := cbor.Marshal(statusMessage(StatusTermination)); merr != nil {
			err = merr
		} else if serr := conn.Send(ctx, msg); serr != nil && !errors.Is(serr, io.EOF) {
			err = fmt.Errorf("error sending session termination: %w", serr)
		}
	}
	s.closeChannel()
	if s.manager != nil {
		s.manager.release(s)
	}
	return err
}

// terminate tells the peer why the session ends and releases the channel.
func (s *Session) terminate(ctx context.Context, conn Conn, status uint64) {
	if msg, err := cbor.Marshal(statusMessage(status)); err == nil {
		if err := conn.Send(ctx, msg); err != nil {
			s.log.Debug("error sending session status", "status", status, "error", err)
		}
	}
	s.closeChannel()
}

// closeChannel releases the channel and session keys.
func (s *Session) closeChannel() {
	s.mu.Lock()
	conn, c := s.conn, s.crypter
	s.conn, s.crypter = nil, nil
	s.mu.Unlock()

	if c != nil {
		c.destroy()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.log.Warn("error closing channel", "channel", s.channel, "error", err)
		} else {
			s.log.Debug("channel closed", "channel", s.channel)
		}
	}
}

func (s *Session) openConn() (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, mdl.NewConfigurationError("Session", "transferChannel", "channel is not open")
	}
	return s.conn, nil
}

func (s *Session) established() (*crypter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.crypter == nil {
		return nil, errors.New("session is not established")
	}
	return s.crypter, nil
}

// receive reads one message and releases the channel when ctx expires, so
// that abandoned sessions do not keep the radio.
func (s *Session) receive(ctx context.Context, conn Conn) ([]byte, error) {
	msg, err := conn.Receive(ctx)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, io.EOF) {
			s.closeChannel()
		}
		return nil, err
	}
	return msg, nil
}

func (s *Session) send(ctx context.Context, conn Conn, msg []byte) error {
	if err := conn.Send(ctx, msg); err != nil {
		if ctx.Err() != nil {
			s.closeChannel()
		}
		return err
	}
	return nil
}
