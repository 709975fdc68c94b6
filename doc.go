// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package mdl implements the device engagement of mobile documents following
// the [ISO/IEC 18013-5] layout.
//
// A holder builds a [DeviceEngagement] from a protocol version, a [Security]
// descriptor (cipher suite and ephemeral device COSE_Key), and the transfer
// methods it can be reached on. The engagement is encoded to CBOR and shown
// as a QR code or handed over NFC.
//
//	key, _ := cose.GenerateKey(cose.P256)
//	security, _ := mdl.NewSecurityBuilder().SetCoseKey(key).SetCipherSuiteIdent(1).Build()
//	engagement, _ := mdl.NewBuilder().
//		Version("1.0").
//		Security(security).
//		AddTransferMethod(mdl.NewBLETransferMethod(true, true)).
//		Build()
//	qr, _ := engagement.URI() // mdoc:owBjMS4w...
//
// A reader decodes received bytes with [DecodeDeviceEngagement] and selects a
// channel. Sessions over the channel are managed by the session subpackage.
// Issuer-signed data received from a verification service is validated by the
// verify subpackage.
//
// All errors are values. Malformed input yields a [DecodeError] with the
// offset of the failing token. Incomplete builders yield a
// [ConfigurationError].
//
// [ISO/IEC 18013-5]: https://www.iso.org/standard/69084.html
package mdl
