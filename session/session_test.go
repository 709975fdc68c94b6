// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package session_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	mdl "github.com/svipe/go-mdl"
	"github.com/svipe/go-mdl/cbor"
	"github.com/svipe/go-mdl/internal/memory"
	"github.com/svipe/go-mdl/mdltest"
	"github.com/svipe/go-mdl/session"
	"github.com/svipe/go-mdl/session/loopback"
	"github.com/svipe/go-mdl/verify"
)

const credentialName = "mDL"

func configField(t *testing.T, err error) string {
	t.Helper()
	var cerr *mdl.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	return cerr.Field
}

func TestBuilder(t *testing.T) {
	key := mdltest.DeviceKey(t)

	for _, test := range []struct {
		name  string
		b     *session.Builder
		field string
	}{
		{"missing role", session.NewBuilder().SetDataType(session.CBOR).SetCoseKey(key).SetTransferChannel(session.WiFiAware), "role"},
		{"missing data type", session.NewBuilder().ActAs(session.Holder).SetCoseKey(key).SetTransferChannel(session.WiFiAware), "dataType"},
		{"missing key", session.NewBuilder().ActAs(session.Holder).SetDataType(session.CBOR).SetTransferChannel(session.WiFiAware), "coseKey"},
		{"public key", session.NewBuilder().ActAs(session.Holder).SetDataType(session.CBOR).SetCoseKey(key.PublicPart()).SetTransferChannel(session.WiFiAware), "coseKey"},
		{"missing channel", session.NewBuilder().ActAs(session.Holder).SetDataType(session.CBOR).SetCoseKey(key), "transferChannel"},
		{"BLE without mode", session.NewBuilder().ActAs(session.Holder).SetDataType(session.CBOR).SetCoseKey(key).SetTransferChannel(session.BLE), "bleServiceMode"},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := test.b.Build()
			if field := configField(t, err); field != test.field {
				t.Errorf("expected field %q, got %q", test.field, field)
			}
		})
	}

	sess, err := session.NewBuilder().
		ActAs(session.Verifier).
		SetDataType(session.CBOR).
		SetCoseKey(key).
		SetTransferChannel(session.WiFiAware).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	if sess.Role() != session.Verifier || sess.TransferChannel() != session.WiFiAware || sess.BLEServiceMode() != 0 {
		t.Fatal("session does not match builder")
	}
	if sess.Open() {
		t.Fatal("new session must not hold a channel")
	}
}

func TestFromEngagement(t *testing.T) {
	key := mdltest.DeviceKey(t)
	sec, err := mdl.NewSecurityBuilder().SetCoseKey(key).Build()
	if err != nil {
		t.Fatal(err)
	}
	wifi, err := mdl.NewWiFiAwareTransferMethod(mdl.WiFiAwareOptions{Passphrase: "correct horse"})
	if err != nil {
		t.Fatal(err)
	}

	for _, test := range []struct {
		name    string
		methods []mdl.TransferMethod
		channel session.Channel
		mode    session.BLEServiceMode
	}{
		{"BLE both modes", []mdl.TransferMethod{mdl.NewBLETransferMethod(true, true)}, session.BLE, session.PeripheralServerMode},
		{"BLE central only", []mdl.TransferMethod{mdl.NewBLETransferMethod(false, true)}, session.BLE, session.CentralClientMode},
		{"BLE preferred", []mdl.TransferMethod{wifi, mdl.NewBLETransferMethod(true, false)}, session.BLE, session.PeripheralServerMode},
		{"Wi-Fi Aware", []mdl.TransferMethod{wifi}, session.WiFiAware, 0},
	} {
		t.Run(test.name, func(t *testing.T) {
			b := mdl.NewBuilder().Version("1.0").Security(sec)
			for _, m := range test.methods {
				b.AddTransferMethod(m)
			}
			de, err := b.Build()
			if err != nil {
				t.Fatal(err)
			}
			sb, err := session.FromEngagement(session.Holder, de, key)
			if err != nil {
				t.Fatal(err)
			}
			sess, err := sb.Build()
			if err != nil {
				t.Fatal(err)
			}
			if sess.TransferChannel() != test.channel {
				t.Errorf("expected channel %s, got %s", test.channel, sess.TransferChannel())
			}
			if sess.BLEServiceMode() != test.mode {
				t.Errorf("expected mode %s, got %s", test.mode, sess.BLEServiceMode())
			}
		})
	}

	t.Run("no engagement", func(t *testing.T) {
		_, err := session.FromEngagement(session.Verifier, nil, key)
		if field := configField(t, err); field != "engagement" {
			t.Errorf("expected engagement, got %q", field)
		}
	})

	t.Run("no methods", func(t *testing.T) {
		de, err := mdl.NewBuilder().Version("1.0").Security(sec).Build()
		if err != nil {
			t.Fatal(err)
		}
		_, err = session.FromEngagement(session.Holder, de, key)
		if field := configField(t, err); field != "transferChannel" {
			t.Errorf("expected transferChannel, got %q", field)
		}
	})
}

// holder builds a holder session for a fresh device key and a store holding
// one credential.
func holder(t *testing.T, tr session.Transport) (*session.Session, []byte, *memory.Store) {
	t.Helper()
	b, engagement, store := holderBuilder(t, tr)
	sess, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return sess, engagement, store
}

func holderBuilder(t *testing.T, tr session.Transport) (*session.Builder, []byte, *memory.Store) {
	t.Helper()
	key := mdltest.DeviceKey(t)
	engagement := mdltest.Engagement(t, key)
	de, err := mdl.DecodeDeviceEngagement(engagement)
	if err != nil {
		t.Fatal(err)
	}
	b, err := session.FromEngagement(session.Holder, de, key)
	if err != nil {
		t.Fatal(err)
	}

	iss, _ := mdltest.Issuer(t, "SE")
	store := memory.NewStore()
	if err := store.AddCredential(context.Background(), mdltest.Credential(t, iss, credentialName)); err != nil {
		t.Fatal(err)
	}
	return b.SetTransport(tr), engagement, store
}

// reader connects a verifier session to a holder advertising engagement.
func reader(ctx context.Context, t *testing.T, tr session.Transport, engagement []byte) *session.Session {
	t.Helper()
	de, err := mdl.DecodeDeviceEngagement(engagement)
	if err != nil {
		t.Fatal(err)
	}
	vb, err := session.FromEngagement(session.Verifier, de, mdltest.DeviceKey(t))
	if err != nil {
		t.Fatal(err)
	}
	v, err := vb.SetTransport(tr).Build()
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Connect(ctx, engagement); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestSetupHolder(t *testing.T) {
	ctx := context.Background()

	t.Run("missing credential", func(t *testing.T) {
		tr := new(loopback.Transport)
		sess, engagement, _ := holder(t, tr)
		err := sess.SetupHolder(ctx, credentialName, engagement, memory.NewStore(), false, nil)
		var nf *mdl.CredentialNotFoundError
		if !errors.As(err, &nf) || nf.Name != credentialName {
			t.Fatalf("expected credential not found, got %v", err)
		}
		if sess.Open() || tr.Opened() != 0 {
			t.Fatal("channel opened without a credential")
		}
	})

	t.Run("auth without issuer", func(t *testing.T) {
		sess, engagement, store := holder(t, new(loopback.Transport))
		err := sess.SetupHolder(ctx, credentialName, engagement, store, true, nil)
		if field := configField(t, err); field != "issuerAuthority" {
			t.Fatalf("expected issuerAuthority, got %q", field)
		}
	})

	t.Run("foreign engagement", func(t *testing.T) {
		sess, _, store := holder(t, new(loopback.Transport))
		other := mdltest.Engagement(t, mdltest.DeviceKey(t))
		err := sess.SetupHolder(ctx, credentialName, other, store, false, nil)
		if field := configField(t, err); field != "coseKey" {
			t.Fatalf("expected coseKey, got %q", field)
		}
	})

	t.Run("device key certified", func(t *testing.T) {
		tr := new(loopback.Transport)
		sess, engagement, store := holder(t, tr)
		iss, roots := mdltest.Issuer(t, "SE")
		if err := sess.SetupHolder(ctx, credentialName, engagement, store, true, iss); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = sess.Close(ctx) })
		if !sess.Open() || tr.Opened() != 1 {
			t.Fatal("channel not opened")
		}
		if sess.Credential().Name != credentialName {
			t.Fatal("credential not bound")
		}

		// The certification is a regular issuerAuth over the stored name spaces
		v := verify.Verifier{Roots: roots}
		cred, err := v.VerifyEntry(verify.SigningEntry{
			IssuerAuth:       sess.DeviceAuth(),
			IssuerNameSpaces: sess.Credential().NameSpaces,
		})
		if err != nil {
			t.Fatal(err)
		}
		dk, err := mdl.DecodeDeviceEngagement(engagement)
		if err != nil {
			t.Fatal(err)
		}
		if !cred.MSO.DeviceKey.Equal(dk.Security().CoseKey()) {
			t.Fatal("certified device key does not match the engagement")
		}
	})
}

func TestExchange(t *testing.T) {
	mdltest.DebugLogging(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tr := new(loopback.Transport)
	h, engagement, store := holder(t, tr)
	if err := h.SetupHolder(ctx, credentialName, engagement, store, false, nil); err != nil {
		t.Fatal(err)
	}

	v := reader(ctx, t, tr, engagement)

	errc := make(chan error, 1)
	go func() {
		errc <- func() error {
			req, err := h.Establish(ctx)
			if err != nil {
				return err
			}
			if err := h.Respond(ctx, append([]byte("re: "), req...)); err != nil {
				return err
			}
			req, err = h.Receive(ctx)
			if err != nil {
				return err
			}
			if err := h.Respond(ctx, append([]byte("re: "), req...)); err != nil {
				return err
			}
			if _, err := h.Receive(ctx); !errors.Is(err, session.ErrTerminated) {
				return errors.New("expected session termination")
			}
			return nil
		}()
	}()

	for _, req := range []string{"first request", "second request"} {
		resp, err := v.Request(ctx, []byte(req))
		if err != nil {
			t.Fatal(err)
		}
		if want := "re: " + req; !bytes.Equal(resp, []byte(want)) {
			t.Fatalf("expected %q, got %q", want, resp)
		}
	}
	if err := v.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	if h.Open() || v.Open() {
		t.Fatal("channels not released after termination")
	}
	if err := h.Close(ctx); err != nil {
		t.Fatalf("closing a terminated session: %v", err)
	}
}

func TestEstablishRejectsMalformedMessages(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tr := new(loopback.Transport)
	h, engagement, store := holder(t, tr)
	if err := h.SetupHolder(ctx, credentialName, engagement, store, false, nil); err != nil {
		t.Fatal(err)
	}
	reader, err := tr.Connect(ctx, session.Advertisement{
		Channel:    h.TransferChannel(),
		Mode:       h.BLEServiceMode(),
		Engagement: engagement,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := reader.Send(ctx, []byte{0xa1, 0x61, 0x78, 0x01}); err != nil {
		t.Fatal(err)
	}

	var de *mdl.DecodeError
	if _, err := h.Establish(ctx); !errors.As(err, &de) {
		t.Fatalf("expected decode error, got %v", err)
	}
	status, err := reader.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]uint64
	if err := cbor.Unmarshal(status, &m); err != nil {
		t.Fatal(err)
	}
	if m["status"] != session.StatusDecodingError {
		t.Fatalf("expected status %d, got %v", session.StatusDecodingError, m)
	}
	if h.Open() {
		t.Fatal("channel kept after a decoding error")
	}
}

func TestManager(t *testing.T) {
	ctx := context.Background()
	tr := new(loopback.Transport)
	var m session.Manager

	first, engagement, store := holder(t, tr)
	if err := first.SetupHolder(ctx, credentialName, engagement, store, false, nil); err != nil {
		t.Fatal(err)
	}

	// An unmanaged session keeps its own channel
	key := mdltest.DeviceKey(t)
	next := mdltest.Engagement(t, key)
	de, err := mdl.DecodeDeviceEngagement(next)
	if err != nil {
		t.Fatal(err)
	}
	b, err := session.FromEngagement(session.Holder, de, key)
	if err != nil {
		t.Fatal(err)
	}
	managed, err := m.Build(ctx, b.SetTransport(tr))
	if err != nil {
		t.Fatal(err)
	}
	if m.Active() != managed {
		t.Fatal("built session is not active")
	}
	if err := managed.SetupHolder(ctx, credentialName, next, store, false, nil); err != nil {
		t.Fatal(err)
	}

	// Building another session supersedes the active one
	key2 := mdltest.DeviceKey(t)
	de2, err := mdl.DecodeDeviceEngagement(mdltest.Engagement(t, key2))
	if err != nil {
		t.Fatal(err)
	}
	b2, err := session.FromEngagement(session.Holder, de2, key2)
	if err != nil {
		t.Fatal(err)
	}
	latest, err := m.Build(ctx, b2.SetTransport(tr))
	if err != nil {
		t.Fatal(err)
	}
	if managed.Open() {
		t.Fatal("superseded session still holds its channel")
	}
	if m.Active() != latest {
		t.Fatal("latest session is not active")
	}

	if err := m.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if m.Active() != nil {
		t.Fatal("manager kept a closed session")
	}
	if err := first.Close(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestManagerTerminatesSupersededPeer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tr := new(loopback.Transport)
	var m session.Manager

	nb, nextEngagement, nextStore := holderBuilder(t, tr)
	next, err := m.Build(ctx, nb)
	if err != nil {
		t.Fatal(err)
	}
	ab, engagement, store := holderBuilder(t, tr)
	active, err := m.Build(ctx, ab)
	if err != nil {
		t.Fatal(err)
	}
	if err := active.SetupHolder(ctx, credentialName, engagement, store, false, nil); err != nil {
		t.Fatal(err)
	}
	v := reader(ctx, t, tr, engagement)

	errc := make(chan error, 1)
	go func() {
		req, err := active.Establish(ctx)
		if err == nil {
			err = active.Respond(ctx, req)
		}
		errc <- err
	}()
	if _, err := v.Request(ctx, []byte("request")); err != nil {
		t.Fatal(err)
	}
	if err := <-errc; err != nil {
		t.Fatal(err)
	}

	// Advertising another managed session ends the established one
	if err := next.SetupHolder(ctx, credentialName, nextEngagement, nextStore, false, nil); err != nil {
		t.Fatal(err)
	}
	if active.Open() {
		t.Fatal("superseded session still holds its channel")
	}
	if m.Active() != next {
		t.Fatal("advertising session is not active")
	}
	if _, err := v.Receive(ctx); !errors.Is(err, session.ErrTerminated) {
		t.Fatalf("expected session termination at the reader, got %v", err)
	}
	if v.Open() {
		t.Fatal("reader kept a terminated channel")
	}

	if err := m.Close(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestCancelReleasesChannel(t *testing.T) {
	tr := new(loopback.Transport)
	h, engagement, store := holder(t, tr)
	if err := h.SetupHolder(context.Background(), credentialName, engagement, store, false, nil); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.Establish(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if h.Open() {
		t.Fatal("channel kept after cancellation")
	}

	// The session can advertise again
	if err := h.SetupHolder(context.Background(), credentialName, engagement, store, false, nil); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
}
