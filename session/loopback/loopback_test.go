// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package loopback_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/svipe/go-mdl/session"
	"github.com/svipe/go-mdl/session/loopback"
)

func TestPipe(t *testing.T) {
	ctx := context.Background()
	a, b := loopback.Pipe()

	msg := []byte("hello")
	if err := a.Send(ctx, msg); err != nil {
		t.Fatal(err)
	}
	msg[0] = 'j'
	got, err := b.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("unexpected message %q", got)
	}

	// Pending messages survive close
	if err := b.Send(ctx, []byte("bye")); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if !loopback.Closed(a) {
		t.Fatal("closing one end must close the other")
	}
	if got, err := a.Receive(ctx); err != nil || string(got) != "bye" {
		t.Fatalf("expected pending message, got %q, %v", got, err)
	}
	if _, err := a.Receive(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if err := a.Send(ctx, msg); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatal("second close", err)
	}
}

func TestPipeContext(t *testing.T) {
	a, _ := loopback.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := a.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestTransport(t *testing.T) {
	ctx := context.Background()
	var tr loopback.Transport
	ad := session.Advertisement{Channel: session.BLE, Mode: session.PeripheralServerMode, Engagement: []byte{0xa0}}

	if _, err := tr.Connect(ctx, ad); err == nil {
		t.Fatal("expected error without an advertising holder")
	}

	first, err := tr.Advertise(ctx, ad)
	if err != nil {
		t.Fatal(err)
	}
	second, err := tr.Advertise(ctx, ad)
	if err != nil {
		t.Fatal(err)
	}
	if !loopback.Closed(first) {
		t.Fatal("readvertising must drop the previous channel")
	}

	other := ad
	other.Mode = session.CentralClientMode
	if _, err := tr.Connect(ctx, other); err == nil {
		t.Fatal("expected error for another service mode")
	}

	reader, err := tr.Connect(ctx, ad)
	if err != nil {
		t.Fatal(err)
	}
	if err := reader.Send(ctx, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if got, err := second.Receive(ctx); err != nil || len(got) != 1 {
		t.Fatalf("unexpected receive %v, %v", got, err)
	}
	if tr.Opened() != 3 {
		t.Fatalf("expected 3 opened ends, got %d", tr.Opened())
	}
	if _, err := tr.Connect(ctx, ad); err == nil {
		t.Fatal("an advertisement is consumed by the first reader")
	}
}
