// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package session

import (
	"errors"

	mdl "github.com/svipe/go-mdl"
	"github.com/svipe/go-mdl/cbor"
	"github.com/svipe/go-mdl/cose"
)

// Status codes of SessionData
const (
	StatusDecryptionError uint64 = 10
	StatusDecodingError   uint64 = 11
	StatusTermination     uint64 = 20
)

// establishment is the first message of a reader.
//
//	SessionEstablishment = {
//	    "eReaderKey": EReaderKeyBytes,
//	    "data": bstr                     ; encrypted request
//	}
type establishment struct {
	ReaderKey cbor.Encoded[cose.Key]
	Data      []byte
}

func (m establishment) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(map[string]any{
		"eReaderKey": m.ReaderKey,
		"data":       m.Data,
	})
}

func (m *establishment) UnmarshalCBOR(data []byte) error {
	var raw cbor.RawMap[string]
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	var out establishment
	if ok, err := raw.Decode("eReaderKey", &out.ReaderKey); err != nil {
		return err
	} else if !ok {
		return &mdl.DecodeError{Expected: "SessionEstablishment", Err: errors.New("eReaderKey is missing")}
	}
	if ok, err := raw.Decode("data", &out.Data); err != nil {
		return err
	} else if !ok {
		return &mdl.DecodeError{Expected: "SessionEstablishment", Err: errors.New("data is missing")}
	}
	*m = out
	return nil
}

// sessionData carries encrypted data, a status, or both.
//
//	SessionData = {
//	    ? "data": bstr,
//	    ? "status": uint
//	}
type sessionData struct {
	Data   []byte
	Status *uint64
}

func (m sessionData) MarshalCBOR() ([]byte, error) {
	out := make(map[string]any, 2)
	if m.Data != nil {
		out["data"] = m.Data
	}
	if m.Status != nil {
		out["status"] = *m.Status
	}
	return cbor.Marshal(out)
}

func (m *sessionData) UnmarshalCBOR(data []byte) error {
	var raw cbor.RawMap[string]
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	var out sessionData
	if _, err := raw.Decode("data", &out.Data); err != nil {
		return err
	}
	if _, err := raw.Decode("status", &out.Status); err != nil {
		return err
	}
	if out.Data == nil && out.Status == nil {
		return &mdl.DecodeError{Expected: "SessionData", Err: errors.New("neither data nor status is present")}
	}
	*m = out
	return nil
}

func statusMessage(status uint64) sessionData { return sessionData{Status: &status} }
