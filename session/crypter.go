// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/hkdf"

	"github.com/svipe/go-mdl/cbor"
)

const sessionKeySize = 32

// Message counter identifiers: the first 8 bytes of every IV
var (
	readerIdentifier = [8]byte{}
	deviceIdentifier = [8]byte{7: 1}
)

// Transcript returns SessionTranscriptBytes for an engagement presented by QR
// code, where there is no handover structure.
//
//	SessionTranscript = [
//	    DeviceEngagementBytes,  ; #6.24(bstr .cbor DeviceEngagement)
//	    EReaderKeyBytes,        ; #6.24(bstr .cbor EReaderKey)
//	    Handover                ; null
//	]
//	SessionTranscriptBytes = #6.24(bstr .cbor SessionTranscript)
func Transcript(engagement, readerKey []byte) ([]byte, error) {
	transcript, err := cbor.Marshal([]any{
		cbor.Tag[[]byte]{Num: cbor.EncodedCBORTag, Val: engagement},
		cbor.Tag[[]byte]{Num: cbor.EncodedCBORTag, Val: readerKey},
		nil,
	})
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(cbor.Tag[[]byte]{Num: cbor.EncodedCBORTag, Val: transcript})
}

// deriveKeys computes SKDevice and SKReader.
//
//	ZAB      = ECDH(own private key, peer public key)
//	salt     = SHA-256(SessionTranscriptBytes)
//	SKDevice = HKDF-SHA-256(ZAB, salt, "SKDevice", 32)
//	SKReader = HKDF-SHA-256(ZAB, salt, "SKReader", 32)
func deriveKeys(priv *ecdh.PrivateKey, peer *ecdh.PublicKey, transcript []byte) (skDevice, skReader []byte, _ error) {
	zab, err := priv.ECDH(peer)
	if err != nil {
		return nil, nil, fmt.Errorf("error computing shared secret: %w", err)
	}
	defer clear(zab)
	salt := sha256.Sum256(transcript)

	keys := make([][]byte, 2)
	for i, info := range []string{"SKDevice", "SKReader"} {
		keys[i] = make([]byte, sessionKeySize)
		if _, err := io.ReadFull(hkdf.New(sha256.New, zab, salt[:], []byte(info)), keys[i]); err != nil {
			return nil, nil, fmt.Errorf("error deriving %s: %w", info, err)
		}
	}
	return keys[0], keys[1], nil
}

// crypter encrypts session messages with AES-256-GCM. The IV is the 8 byte
// identifier of the sender followed by its 4 byte big endian message counter,
// which starts at 1.
type crypter struct {
	keys [][]byte

	enc        cipher.AEAD
	encID      [8]byte
	encCounter uint32

	dec        cipher.AEAD
	decID      [8]byte
	decCounter uint32
}

func newCrypter(role Role, skDevice, skReader []byte) (*crypter, error) {
	device, err := newGCM(skDevice)
	if err != nil {
		return nil, err
	}
	reader, err := newGCM(skReader)
	if err != nil {
		return nil, err
	}
	c := &crypter{keys: [][]byte{skDevice, skReader}}
	switch role {
	case Holder:
		c.enc, c.encID = device, deviceIdentifier
		c.dec, c.decID = reader, readerIdentifier
	case Verifier:
		c.enc, c.encID = reader, readerIdentifier
		c.dec, c.decID = device, deviceIdentifier
	default:
		return nil, fmt.Errorf("invalid role %s", role)
	}
	return c, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

var errCounterExhausted = errors.New("session message counter exhausted")

func nonce(id [8]byte, counter uint32) []byte {
	return binary.BigEndian.AppendUint32(append([]byte(nil), id[:]...), counter)
}

func (c *crypter) encrypt(plaintext []byte) ([]byte, error) {
	if c.encCounter == math.MaxUint32 {
		return nil, errCounterExhausted
	}
	c.encCounter++
	return c.enc.Seal(nil, nonce(c.encID, c.encCounter), plaintext, nil), nil
}

func (c *crypter) decrypt(ciphertext []byte) ([]byte, error) {
	if c.decCounter == math.MaxUint32 {
		return nil, errCounterExhausted
	}
	plaintext, err := c.dec.Open(nil, nonce(c.decID, c.decCounter+1), ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("error decrypting session data: %w", err)
	}
	c.decCounter++
	return plaintext, nil
}

// destroy zeroes the session keys.
func (c *crypter) destroy() {
	for _, k := range c.keys {
		clear(k)
	}
}
