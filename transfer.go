// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package mdl

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/svipe/go-mdl/cbor"
)

// Device retrieval method types
const (
	NFCMethodType       uint64 = 1
	BLEMethodType       uint64 = 2
	WiFiAwareMethodType uint64 = 3
)

// TransferMethodVersion is the only defined retrieval method version.
const TransferMethodVersion uint64 = 1

// TransferMethod is one entry of the DeviceRetrievalMethods of an engagement.
//
//	DeviceRetrievalMethod = [
//	    type: uint,
//	    version: uint,
//	    options: RetrievalOptions
//	]
//
// MarshalCBOR encodes the whole three element array.
type TransferMethod interface {
	Type() uint64
	Version() uint64
	cbor.Marshaler
}

// TransferMethodDecoder parses the options of a retrieval method.
type TransferMethodDecoder func(version uint64, options []byte) (TransferMethod, error)

var (
	transferMethodsMu sync.RWMutex
	transferMethods   = make(map[uint64]TransferMethodDecoder)
)

// RegisterTransferMethod makes a retrieval method type decodable. Methods of
// unregistered types decode as [UnknownTransferMethod].
func RegisterTransferMethod(typ uint64, decode TransferMethodDecoder) {
	transferMethodsMu.Lock()
	defer transferMethodsMu.Unlock()
	transferMethods[typ] = decode
}

func init() {
	RegisterTransferMethod(BLEMethodType, decodeBLETransferMethod)
	RegisterTransferMethod(WiFiAwareMethodType, decodeWiFiAwareTransferMethod)
}

type retrievalMethod struct {
	Type    uint64
	Version uint64
	Options cbor.RawBytes
}

func encodeTransferMethod(typ, version uint64, options any) ([]byte, error) {
	opts, err := cbor.Marshal(options)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(retrievalMethod{Type: typ, Version: version, Options: opts})
}

// decodeTransferMethod decodes one retrieval method array using the
// registered decoder for its type.
func decodeTransferMethod(data []byte) (TransferMethod, error) {
	var rm retrievalMethod
	if err := cbor.Unmarshal(data, &rm); err != nil {
		return nil, err
	}
	transferMethodsMu.RLock()
	decode, ok := transferMethods[rm.Type]
	transferMethodsMu.RUnlock()
	if !ok {
		return &UnknownTransferMethod{typ: rm.Type, version: rm.Version, options: rm.Options}, nil
	}
	method, err := decode(rm.Version, rm.Options)
	if err != nil {
		// Options are the last element of the array
		return nil, cbor.ShiftError(err, int64(len(data)-len(rm.Options)))
	}
	return method, nil
}

// UnknownTransferMethod is a retrieval method of a type with no registered
// decoder. Its options are kept as encoded so that the engagement re-encodes
// identically.
type UnknownTransferMethod struct {
	typ, version uint64
	options      cbor.RawBytes
}

// Type implements TransferMethod.
func (m *UnknownTransferMethod) Type() uint64 { return m.typ }

// Version implements TransferMethod.
func (m *UnknownTransferMethod) Version() uint64 { return m.version }

// Options returns the encoded options.
func (m *UnknownTransferMethod) Options() []byte { return bytes.Clone(m.options) }

// MarshalCBOR implements cbor.Marshaler.
func (m *UnknownTransferMethod) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(retrievalMethod{Type: m.typ, Version: m.version, Options: m.options})
}

// BLE option labels
const (
	blePeripheralServerLabel     int64 = 0
	bleCentralClientLabel        int64 = 1
	blePeripheralServerUUIDLabel int64 = 10
	bleCentralClientUUIDLabel    int64 = 11
	blePeripheralServerMACLabel  int64 = 20
)

// BLEIdentification holds the BLE options of an engagement. Nil fields are
// not advertised.
//
//	BleOptions = {
//	    ? 0: bool,  ; peripheral server mode supported
//	    ? 1: bool,  ; central client mode supported
//	    ? 10: bstr, ; peripheral server mode UUID
//	    ? 11: bstr, ; central client mode UUID
//	    ? 20: bstr  ; peripheral server mode device address
//	}
type BLEIdentification struct {
	PeripheralServer     *bool
	CentralClient        *bool
	PeripheralServerUUID []byte
	CentralClientUUID    []byte
	MAC                  []byte
}

// SupportsPeripheralServer reports whether peripheral server mode is
// advertised as supported.
func (id BLEIdentification) SupportsPeripheralServer() bool {
	return id.PeripheralServer != nil && *id.PeripheralServer
}

// SupportsCentralClient reports whether central client mode is advertised as
// supported.
func (id BLEIdentification) SupportsCentralClient() bool {
	return id.CentralClient != nil && *id.CentralClient
}

// MarshalCBOR implements cbor.Marshaler.
func (id BLEIdentification) MarshalCBOR() ([]byte, error) {
	m := make(map[int64]any)
	if id.PeripheralServer != nil {
		m[blePeripheralServerLabel] = *id.PeripheralServer
	}
	if id.CentralClient != nil {
		m[bleCentralClientLabel] = *id.CentralClient
	}
	if id.PeripheralServerUUID != nil {
		m[blePeripheralServerUUIDLabel] = id.PeripheralServerUUID
	}
	if id.CentralClientUUID != nil {
		m[bleCentralClientUUIDLabel] = id.CentralClientUUID
	}
	if id.MAC != nil {
		m[blePeripheralServerMACLabel] = id.MAC
	}
	return cbor.Marshal(m)
}

// UnmarshalCBOR implements cbor.Unmarshaler. Unknown option labels are
// ignored.
func (id *BLEIdentification) UnmarshalCBOR(data []byte) error {
	var m cbor.RawMap[int64]
	if err := cbor.Unmarshal(data, &m); err != nil {
		return err
	}
	var out BLEIdentification
	for _, field := range []struct {
		label int64
		v     any
	}{
		{blePeripheralServerLabel, &out.PeripheralServer},
		{bleCentralClientLabel, &out.CentralClient},
		{blePeripheralServerUUIDLabel, &out.PeripheralServerUUID},
		{bleCentralClientUUIDLabel, &out.CentralClientUUID},
		{blePeripheralServerMACLabel, &out.MAC},
	} {
		if _, err := m.Decode(field.label, field.v); err != nil {
			return err
		}
	}
	for label, u := range map[int64][]byte{
		blePeripheralServerUUIDLabel: out.PeripheralServerUUID,
		bleCentralClientUUIDLabel:    out.CentralClientUUID,
	} {
		if m.Has(label) && len(u) != 16 {
			return m.Errorf(label, "16 byte UUID", "got %d bytes", len(u))
		}
	}
	*id = out
	return nil
}

// BLEServiceMode is the BLE role the holder takes for data retrieval.
type BLEServiceMode int

// BLE service modes
const (
	// PeripheralServerMode means the holder advertises and acts as GATT
	// server.
	PeripheralServerMode BLEServiceMode = iota + 1
	// CentralClientMode means the holder scans and acts as GATT client.
	CentralClientMode
)

func (m BLEServiceMode) String() string {
	switch m {
	case PeripheralServerMode:
		return "PERIPHERAL_SERVER_MODE"
	case CentralClientMode:
		return "CENTRAL_CLIENT_MODE"
	default:
		return fmt.Sprintf("BLEServiceMode(%d)", int(m))
	}
}

// SelectBLEServiceMode chooses the holder's BLE service mode from the
// advertised options. Peripheral server mode wins when both modes are
// supported and is the default when neither is; central client mode is only
// chosen when it is the sole supported mode.
func SelectBLEServiceMode(id BLEIdentification) BLEServiceMode {
	switch {
	case id.SupportsCentralClient() && id.SupportsPeripheralServer():
		return PeripheralServerMode
	case id.SupportsCentralClient():
		return CentralClientMode
	default:
		return PeripheralServerMode
	}
}

// BLETransferMethod is a BLE device retrieval method.
type BLETransferMethod struct {
	version uint64
	ident   BLEIdentification
}

// NewBLETransferMethod advertises the given BLE modes. A random UUID is
// generated for each supported mode.
func NewBLETransferMethod(peripheralServer, centralClient bool) *BLETransferMethod {
	id := BLEIdentification{
		PeripheralServer: &peripheralServer,
		CentralClient:    &centralClient,
	}
	if peripheralServer {
		u := uuid.New()
		id.PeripheralServerUUID = u[:]
	}
	if centralClient {
		u := uuid.New()
		id.CentralClientUUID = u[:]
	}
	return &BLETransferMethod{version: TransferMethodVersion, ident: id}
}

// NewBLETransferMethodFromIdentification advertises exactly the given options.
func NewBLETransferMethodFromIdentification(id BLEIdentification) (*BLETransferMethod, error) {
	for name, u := range map[string][]byte{
		"peripheralServerUUID": id.PeripheralServerUUID,
		"centralClientUUID":    id.CentralClientUUID,
	} {
		if u != nil && len(u) != 16 {
			return nil, NewConfigurationError("BLETransferMethod", name, fmt.Sprintf("UUID must be 16 bytes, got %d", len(u)))
		}
	}
	return &BLETransferMethod{version: TransferMethodVersion, ident: cloneBLEIdentification(id)}, nil
}

func cloneBLEIdentification(id BLEIdentification) BLEIdentification {
	clone := BLEIdentification{
		PeripheralServerUUID: bytes.Clone(id.PeripheralServerUUID),
		CentralClientUUID:    bytes.Clone(id.CentralClientUUID),
		MAC:                  bytes.Clone(id.MAC),
	}
	if id.PeripheralServer != nil {
		v := *id.PeripheralServer
		clone.PeripheralServer = &v
	}
	if id.CentralClient != nil {
		v := *id.CentralClient
		clone.CentralClient = &v
	}
	return clone
}

func decodeBLETransferMethod(version uint64, options []byte) (TransferMethod, error) {
	var id BLEIdentification
	if err := cbor.Unmarshal(options, &id); err != nil {
		return nil, err
	}
	return &BLETransferMethod{version: version, ident: id}, nil
}

// Type implements TransferMethod.
func (m *BLETransferMethod) Type() uint64 { return BLEMethodType }

// Version implements TransferMethod.
func (m *BLETransferMethod) Version() uint64 { return m.version }

// Identification returns a copy of the advertised BLE options.
func (m *BLETransferMethod) Identification() BLEIdentification {
	return cloneBLEIdentification(m.ident)
}

// PeripheralServerUUID returns the advertised peripheral server service UUID.
func (m *BLETransferMethod) PeripheralServerUUID() (uuid.UUID, bool) {
	if len(m.ident.PeripheralServerUUID) != 16 {
		return uuid.Nil, false
	}
	return uuid.UUID(m.ident.PeripheralServerUUID), true
}

// MarshalCBOR implements cbor.Marshaler.
func (m *BLETransferMethod) MarshalCBOR() ([]byte, error) {
	return encodeTransferMethod(BLEMethodType, m.version, m.ident)
}

// WiFi Aware option labels
const (
	wifiPassphraseLabel      int64 = 0
	wifiOperatingClassLabel  int64 = 1
	wifiChannelNumberLabel   int64 = 2
	wifiSupportedBandsLabel  int64 = 3
	wifiMaxPassphraseLength        = 63
	wifiMinPassphraseLength        = 8
)

// WiFiAwareOptions are the options of a Wi-Fi Aware retrieval method.
//
//	WifiOptions = {
//	    ? 0: tstr, ; pass phrase info
//	    ? 1: uint, ; channel info operating class
//	    ? 2: uint, ; channel info channel number
//	    ? 3: bstr  ; band info supported bands
//	}
type WiFiAwareOptions struct {
	Passphrase     string
	OperatingClass *uint64
	ChannelNumber  *uint64
	SupportedBands []byte
}

// MarshalCBOR implements cbor.Marshaler.
func (o WiFiAwareOptions) MarshalCBOR() ([]byte, error) {
	m := make(map[int64]any)
	if o.Passphrase != "" {
		m[wifiPassphraseLabel] = o.Passphrase
	}
	if o.OperatingClass != nil {
		m[wifiOperatingClassLabel] = *o.OperatingClass
	}
	if o.ChannelNumber != nil {
		m[wifiChannelNumberLabel] = *o.ChannelNumber
	}
	if o.SupportedBands != nil {
		m[wifiSupportedBandsLabel] = o.SupportedBands
	}
	return cbor.Marshal(m)
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (o *WiFiAwareOptions) UnmarshalCBOR(data []byte) error {
	var m cbor.RawMap[int64]
	if err := cbor.Unmarshal(data, &m); err != nil {
		return err
	}
	var out WiFiAwareOptions
	if _, err := m.Decode(wifiPassphraseLabel, &out.Passphrase); err != nil {
		return err
	}
	if _, err := m.Decode(wifiOperatingClassLabel, &out.OperatingClass); err != nil {
		return err
	}
	if _, err := m.Decode(wifiChannelNumberLabel, &out.ChannelNumber); err != nil {
		return err
	}
	if _, err := m.Decode(wifiSupportedBandsLabel, &out.SupportedBands); err != nil {
		return err
	}
	*o = out
	return nil
}

// WiFiAwareTransferMethod is a Wi-Fi Aware device retrieval method.
type WiFiAwareTransferMethod struct {
	version uint64
	options WiFiAwareOptions
}

// NewWiFiAwareTransferMethod advertises Wi-Fi Aware with the given options.
func NewWiFiAwareTransferMethod(opts WiFiAwareOptions) (*WiFiAwareTransferMethod, error) {
	if n := len(opts.Passphrase); n != 0 && (n < wifiMinPassphraseLength || n > wifiMaxPassphraseLength) {
		return nil, NewConfigurationError("WiFiAwareTransferMethod", "passphrase",
			fmt.Sprintf("length must be %d to %d characters", wifiMinPassphraseLength, wifiMaxPassphraseLength))
	}
	opts.SupportedBands = bytes.Clone(opts.SupportedBands)
	return &WiFiAwareTransferMethod{version: TransferMethodVersion, options: opts}, nil
}

func decodeWiFiAwareTransferMethod(version uint64, options []byte) (TransferMethod, error) {
	var opts WiFiAwareOptions
	if err := cbor.Unmarshal(options, &opts); err != nil {
		return nil, err
	}
	return &WiFiAwareTransferMethod{version: version, options: opts}, nil
}

// Type implements TransferMethod.
func (m *WiFiAwareTransferMethod) Type() uint64 { return WiFiAwareMethodType }

// Version implements TransferMethod.
func (m *WiFiAwareTransferMethod) Version() uint64 { return m.version }

// Options returns a copy of the advertised options.
func (m *WiFiAwareTransferMethod) Options() WiFiAwareOptions {
	opts := m.options
	opts.SupportedBands = bytes.Clone(opts.SupportedBands)
	return opts
}

// MarshalCBOR implements cbor.Marshaler.
func (m *WiFiAwareTransferMethod) MarshalCBOR() ([]byte, error) {
	return encodeTransferMethod(WiFiAwareMethodType, m.version, m.options)
}
