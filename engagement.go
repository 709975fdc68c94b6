// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package mdl

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/svipe/go-mdl/cbor"
	"github.com/svipe/go-mdl/cbor/cdn"
)

// Engagement map keys
const (
	versionKey          int64 = 0
	securityKey         int64 = 1
	retrievalMethodsKey int64 = 2
)

// DeviceEngagement describes how a holder device can be reached and which key
// the session will be established with. It is exchanged out of band, usually
// as a QR code.
//
//	DeviceEngagement = {
//	    0: tstr,                         ; version
//	    1: Security,
//	    ? 2: DeviceRetrievalMethods,
//	    * int => any                     ; preserved as is
//	}
//	DeviceRetrievalMethods = [+ DeviceRetrievalMethod]
//
// A DeviceEngagement is immutable once built or decoded.
type DeviceEngagement struct {
	version  string
	security *Security
	methods  []TransferMethod

	// Keys other than 0, 1, and 2 (e.g. origin infos, capabilities)
	extensions map[int64]cbor.RawBytes
}

// DecodeDeviceEngagement parses engagement bytes.
func DecodeDeviceEngagement(data []byte) (*DeviceEngagement, error) {
	var de DeviceEngagement
	if err := cbor.Unmarshal(data, &de); err != nil {
		return nil, err
	}
	return &de, nil
}

// Version returns the engagement version.
func (de *DeviceEngagement) Version() string { return de.version }

// Security returns the security descriptor.
func (de *DeviceEngagement) Security() *Security { return de.security }

// TransferMethods returns the retrieval methods in encoded order.
func (de *DeviceEngagement) TransferMethods() []TransferMethod { return slices.Clone(de.methods) }

// BLETransferMethod returns the first BLE retrieval method, if any.
func (de *DeviceEngagement) BLETransferMethod() (*BLETransferMethod, bool) {
	for _, m := range de.methods {
		if ble, ok := m.(*BLETransferMethod); ok {
			return ble, true
		}
	}
	return nil, false
}

// WiFiAwareTransferMethod returns the first Wi-Fi Aware retrieval method, if
// any.
func (de *DeviceEngagement) WiFiAwareTransferMethod() (*WiFiAwareTransferMethod, bool) {
	for _, m := range de.methods {
		if wifi, ok := m.(*WiFiAwareTransferMethod); ok {
			return wifi, true
		}
	}
	return nil, false
}

// Encode returns the canonical encoding of the engagement.
func (de *DeviceEngagement) Encode() ([]byte, error) { return cbor.Marshal(de) }

// URIScheme prefixes an engagement carried in a QR code.
const URIScheme = "mdoc:"

// URI returns the QR code form of the engagement: the scheme followed by the
// unpadded base64url encoding.
func (de *DeviceEngagement) URI() (string, error) {
	data, err := de.Encode()
	if err != nil {
		return "", err
	}
	return URIScheme + base64.RawURLEncoding.EncodeToString(data), nil
}

// ParseEngagementURI returns the engagement bytes of a QR code URI.
func ParseEngagementURI(uri string) ([]byte, error) {
	enc, ok := strings.CutPrefix(uri, URIScheme)
	if !ok {
		return nil, fmt.Errorf("engagement URI must start with %q", URIScheme)
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(enc, "="))
	if err != nil {
		return nil, fmt.Errorf("invalid engagement URI: %w", err)
	}
	return data, nil
}

// Equal reports whether two engagements have the same encoding.
func (de *DeviceEngagement) Equal(other *DeviceEngagement) bool {
	if de == nil || other == nil {
		return de == other
	}
	a, err := de.Encode()
	if err != nil {
		return false
	}
	b, err := other.Encode()
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// LogValue implements slog.LogValuer. Engagements are logged in diagnostic
// notation.
func (de *DeviceEngagement) LogValue() slog.Value {
	data, err := de.Encode()
	if err != nil {
		return slog.StringValue(fmt.Sprintf("<invalid engagement: %v>", err))
	}
	return slog.StringValue(cdn.String(data))
}

// MarshalCBOR implements cbor.Marshaler.
func (de DeviceEngagement) MarshalCBOR() ([]byte, error) {
	if de.security == nil {
		return nil, errors.New("device engagement has no security descriptor")
	}
	m := make(map[int64]any, len(de.extensions)+3)
	for k, v := range de.extensions {
		m[k] = v
	}
	m[versionKey] = de.version
	m[securityKey] = de.security
	if len(de.methods) > 0 {
		m[retrievalMethodsKey] = de.methods
	}
	return cbor.Marshal(m)
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (de *DeviceEngagement) UnmarshalCBOR(data []byte) error {
	var m cbor.RawMap[int64]
	if err := cbor.Unmarshal(data, &m); err != nil {
		return err
	}

	var out DeviceEngagement
	if ok, err := m.Decode(versionKey, &out.version); err != nil {
		return err
	} else if !ok {
		return &DecodeError{Offset: 0, Expected: "map with version (0)", Err: errors.New("version is missing")}
	}
	if out.version == "" {
		return m.Errorf(versionKey, "non-empty text string", "version is empty")
	}

	out.security = new(Security)
	if ok, err := m.Decode(securityKey, out.security); err != nil {
		return err
	} else if !ok {
		return &DecodeError{Offset: 0, Expected: "map with security (1)", Err: errors.New("security is missing")}
	}

	if m.Has(retrievalMethodsKey) {
		var raw []cbor.RawBytes
		if _, err := m.Decode(retrievalMethodsKey, &raw); err != nil {
			return err
		}
		if len(raw) == 0 {
			return m.Errorf(retrievalMethodsKey, "non-empty array", "device retrieval methods are empty")
		}
		// Skip the array head to find each method's offset
		offset := m.Offset(retrievalMethodsKey) + int64(len(m.Raw(retrievalMethodsKey))) - int64(rawLen(raw))
		for _, item := range raw {
			method, err := decodeTransferMethod(item)
			if err != nil {
				return cbor.ShiftError(err, offset)
			}
			out.methods = append(out.methods, method)
			offset += int64(len(item))
		}
	}

	for _, k := range m.Keys() {
		switch k {
		case versionKey, securityKey, retrievalMethodsKey:
			continue
		}
		if out.extensions == nil {
			out.extensions = make(map[int64]cbor.RawBytes)
		}
		out.extensions[k] = m.Raw(k)
	}

	*de = out
	return nil
}

func rawLen(items []cbor.RawBytes) (n int) {
	for _, item := range items {
		n += len(item)
	}
	return n
}

// Builder composes a [DeviceEngagement].
type Builder struct {
	version    string
	security   *Security
	methods    []TransferMethod
	extensions map[int64]cbor.RawBytes
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder { return new(Builder) }

// DecodeBuilder parses received engagement bytes into a builder, so that the
// engagement can be inspected, amended, and rebuilt.
func DecodeBuilder(data []byte) (*Builder, error) {
	de, err := DecodeDeviceEngagement(data)
	if err != nil {
		return nil, err
	}
	return &Builder{
		version:    de.version,
		security:   de.security,
		methods:    slices.Clone(de.methods),
		extensions: maps.Clone(de.extensions),
	}, nil
}

// Version sets the engagement version.
func (b *Builder) Version(v string) *Builder {
	b.version = v
	return b
}

// Security sets the security descriptor.
func (b *Builder) Security(s *Security) *Builder {
	b.security = s
	return b
}

// AddTransferMethod appends a retrieval method. Nil methods are ignored.
func (b *Builder) AddTransferMethod(m TransferMethod) *Builder {
	if m != nil {
		b.methods = append(b.methods, m)
	}
	return b
}

// Build returns the engagement. An engagement without retrieval methods is
// valid, although a reader will have no way to connect.
func (b *Builder) Build() (*DeviceEngagement, error) {
	if b.version == "" {
		return nil, NewConfigurationError("DeviceEngagement", "version", "version is required")
	}
	if b.security == nil {
		return nil, NewConfigurationError("DeviceEngagement", "security", "security is required")
	}
	de := &DeviceEngagement{
		version:    b.version,
		security:   b.security,
		methods:    slices.Clone(b.methods),
		extensions: maps.Clone(b.extensions),
	}
	if len(de.methods) == 0 {
		slog.Warn("device engagement has no transfer methods")
	}
	if slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		slog.Debug("built device engagement", "engagement", de)
	}
	return de, nil
}
