// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package loopback connects holder and reader sessions in the same process.
// It stands in for the BLE and Wi-Fi Aware radios in tests and demos.
package loopback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/svipe/go-mdl/session"
)

// Transport pairs readers with holders. A reader connects to the holder that
// advertised the same engagement on the same channel. The zero value is ready
// to use.
type Transport struct {
	mu         sync.Mutex
	advertised []*advertisement
	opened     int
}

type advertisement struct {
	ad     session.Advertisement
	reader *pipeConn
}

var _ session.Transport = (*Transport)(nil)

// Advertise implements session.Transport.
func (p *Transport) Advertise(ctx context.Context, ad session.Advertisement) (session.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	holder, reader := newPipe()

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, prev := range p.advertised {
		if sameAdvertisement(prev.ad, ad) {
			_ = prev.reader.Close()
			p.advertised = append(p.advertised[:i], p.advertised[i+1:]...)
			break
		}
	}
	p.advertised = append(p.advertised, &advertisement{ad: ad, reader: reader})
	p.opened++
	return holder, nil
}

// Connect implements session.Transport.
func (p *Transport) Connect(ctx context.Context, ad session.Advertisement) (session.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, adv := range p.advertised {
		if sameAdvertisement(adv.ad, ad) {
			p.advertised = append(p.advertised[:i], p.advertised[i+1:]...)
			p.opened++
			return adv.reader, nil
		}
	}
	return nil, fmt.Errorf("no holder advertising on %s", ad.Channel)
}

// Opened counts the channel ends opened by Advertise and Connect.
func (p *Transport) Opened() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened
}

func sameAdvertisement(a, b session.Advertisement) bool {
	return a.Channel == b.Channel && a.Mode == b.Mode && bytes.Equal(a.Engagement, b.Engagement)
}

// Pipe returns two connected ends of an in-memory channel.
func Pipe() (session.Conn, session.Conn) { return newPipe() }

func newPipe() (*pipeConn, *pipeConn) {
	a2b, b2a := make(chan []byte, 16), make(chan []byte, 16)
	done := make(chan struct{})
	var once sync.Once
	closeFn := func() { once.Do(func() { close(done) }) }
	return &pipeConn{in: b2a, out: a2b, done: done, close: closeFn},
		&pipeConn{in: a2b, out: b2a, done: done, close: closeFn}
}

// pipeConn is one end of a pipe. Closing either end closes both. Messages
// sent before closing can still be received.
type pipeConn struct {
	in    <-chan []byte
	out   chan<- []byte
	done  chan struct{}
	close func()
}

func (c *pipeConn) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.done:
		return io.EOF
	default:
	}
	select {
	case c.out <- bytes.Clone(msg):
		return nil
	case <-c.done:
		return io.EOF
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.done:
		select {
		case msg := <-c.in:
			return msg, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) Close() error {
	c.close()
	return nil
}

// Closed reports whether a connection returned by Pipe or Transport was
// closed.
func Closed(conn session.Conn) bool {
	c, ok := conn.(*pipeConn)
	if !ok {
		return false
	}
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
