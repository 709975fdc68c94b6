// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cose_test

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"reflect"
	"testing"

	"github.com/svipe/go-mdl/cbor"
	"github.com/svipe/go-mdl/cose"
)

func TestEC2Key(t *testing.T) {
	// {
	//   1:2,
	//   2:'meriadoc.brandybuck@buckland.example',
	//   -1:1,
	//   -2:h'65eda5a12577c2bae829437fe338701a10aaa375e1bb5b5de108de439c08551d',
	//   -3:h'1e52ed75701163f7f9e40ddf9f341b3dc9ba860af7e0ca7ca7e9eecd0084d19c',
	// }
	t.Run("P-256 Decode Fixture", func(t *testing.T) {
		c, _ := hex.DecodeString("A501020258246D65726961646F632E6272616E64796275636B406275636B6C616E642E6578616D706C65200121582065EDA5A12577C2BAE829437FE338701A10AAA375E1BB5B5DE108DE439C08551D2258201E52ED75701163F7F9E40DDF9F341B3DC9BA860AF7E0CA7CA7E9EECD0084D19C")
		var key cose.Key
		if err := cbor.Unmarshal(c, &key); err != nil {
			t.Fatal(err)
		}
		if string(key.ID) != "meriadoc.brandybuck@buckland.example" {
			t.Errorf("unexpected kid %q", key.ID)
		}
		pub, err := key.Public()
		if err != nil {
			t.Fatal(err)
		}
		ecpub, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			t.Fatal("not an EC public key")
		}
		if ecpub.Curve != elliptic.P256() {
			t.Fatal("not a P-256 key")
		}

		// Encoding is deterministic, so the fixture re-encodes identically
		again, err := cbor.Marshal(key)
		if err != nil {
			t.Fatal(err)
		}
		if hex.EncodeToString(again) != hex.EncodeToString(c) {
			t.Errorf("re-encoding fixture; expected % x, got % x", c, again)
		}
	})

	t.Run("P-384 Encode/Decode", func(t *testing.T) {
		key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		ckey, err := cose.NewKey(key.Public())
		if err != nil {
			t.Fatal(err)
		}
		b, err := cbor.Marshal(ckey)
		if err != nil {
			t.Fatal(err)
		}
		var ckey2 cose.Key
		if err := cbor.Unmarshal(b, &ckey2); err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(*ckey, ckey2) {
			t.Fatalf("round trip mismatch: %+v != %+v", *ckey, ckey2)
		}
		cpub, err := ckey2.Public()
		if err != nil {
			t.Fatal(err)
		}
		if !cpub.(*ecdsa.PublicKey).Equal(key.Public()) {
			t.Fatal("expected public keys to match")
		}
	})

	t.Run("compressed y", func(t *testing.T) {
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		full, _ := cose.NewKey(&priv.PublicKey)
		compressed, err := cbor.Marshal(map[int64]any{
			1:  2,
			-1: 1,
			-2: full.X,
			-3: priv.Y.Bit(0) == 1,
		})
		if err != nil {
			t.Fatal(err)
		}
		var got cose.Key
		if err := cbor.Unmarshal(compressed, &got); err != nil {
			t.Fatal(err)
		}
		if !got.Equal(full) {
			t.Errorf("expanded key does not match: % x != % x", got.Y, full.Y)
		}
	})

	t.Run("missing kty", func(t *testing.T) {
		var key cose.Key
		err := cbor.Unmarshal([]byte{0xa1, 0x20, 0x01}, &key)
		var de *cbor.DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("expected decode error, got %v", err)
		}
	})

	t.Run("point not on curve", func(t *testing.T) {
		key, _ := cose.GenerateKey(cose.P256)
		key.Y[len(key.Y)-1] ^= 0x01
		if _, err := key.ECDH(); err == nil {
			t.Fatal("expected invalid point to be rejected")
		}
	})
}

func TestGenerateKey(t *testing.T) {
	for _, crv := range []cose.Curve{cose.P256, cose.P384, cose.P521} {
		t.Run(crv.String(), func(t *testing.T) {
			key, err := cose.GenerateKey(crv)
			if err != nil {
				t.Fatal(err)
			}
			if !key.IsPrivate() {
				t.Fatal("generated key has no private part")
			}
			pub := key.PublicPart()
			if pub.IsPrivate() || !pub.Equal(key) {
				t.Fatal("public part should equal the key without d")
			}

			// Round trip through CBOR keeps every field
			b, err := cbor.Marshal(key)
			if err != nil {
				t.Fatal(err)
			}
			var decoded cose.Key
			if err := cbor.Unmarshal(b, &decoded); err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(*key, decoded) {
				t.Fatalf("round trip mismatch: %+v != %+v", *key, decoded)
			}

			// Key agreement with a second key yields the same secret
			other, _ := cose.GenerateKey(crv)
			a, err := key.ECDHPrivate()
			if err != nil {
				t.Fatal(err)
			}
			b2, err := other.ECDHPrivate()
			if err != nil {
				t.Fatal(err)
			}
			otherPub, _ := other.ECDH()
			keyPub, _ := key.ECDH()
			s1, err := a.ECDH(otherPub)
			if err != nil {
				t.Fatal(err)
			}
			s2, err := b2.ECDH(keyPub)
			if err != nil {
				t.Fatal(err)
			}
			if hex.EncodeToString(s1) != hex.EncodeToString(s2) {
				t.Fatal("shared secrets differ")
			}
		})
	}
}

func TestNewKeyFromECDH(t *testing.T) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	key, err := cose.NewKey(priv.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	pub, err := key.ECDH()
	if err != nil {
		t.Fatal(err)
	}
	if !pub.Equal(priv.PublicKey()) {
		t.Fatal("expected ECDH public keys to match")
	}
}
