// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	mdl "github.com/svipe/go-mdl"
	"github.com/svipe/go-mdl/cbor"
	"github.com/svipe/go-mdl/session"
	"github.com/svipe/go-mdl/session/loopback"
	"github.com/svipe/go-mdl/verify"
)

func presentCommand() *cli.Command {
	return &cli.Command{
		Name:      "present",
		Usage:     "present a stored credential to a reader in the same process",
		ArgsUsage: "<credential name>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "central", Usage: "advertise BLE central client mode only"},
			&cli.BoolFlag{Name: "wifi-aware", Usage: "use Wi-Fi Aware instead of BLE"},
		},
		Action: runPresent,
	}
}

// runPresent plays both sides of an offline transfer over a loopback
// transport: the holder advertises an engagement, the reader connects and
// requests the credential, and the reader checks what it receives.
func runPresent(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() != 1 {
		return errors.New("expected a credential name")
	}
	name := cmd.Args().First()

	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	roots, err := loadRoots(ctx, cmd, db)
	if err != nil {
		return err
	}

	// Holder
	deviceKey, err := generateKey("P-256")
	if err != nil {
		return err
	}
	sec, err := mdl.NewSecurityBuilder().SetCoseKey(deviceKey).Build()
	if err != nil {
		return err
	}
	b := mdl.NewBuilder().Version("1.0").Security(sec)
	if cmd.Bool("wifi-aware") {
		wifi, err := mdl.NewWiFiAwareTransferMethod(mdl.WiFiAwareOptions{})
		if err != nil {
			return err
		}
		b.AddTransferMethod(wifi)
	} else {
		b.AddTransferMethod(mdl.NewBLETransferMethod(!cmd.Bool("central"), true))
	}
	de, err := b.Build()
	if err != nil {
		return err
	}
	engagement, err := de.Encode()
	if err != nil {
		return err
	}

	transport := new(loopback.Transport)
	var manager session.Manager
	hb, err := session.FromEngagement(session.Holder, de, deviceKey)
	if err != nil {
		return err
	}
	holder, err := manager.Build(ctx, hb.SetTransport(transport))
	if err != nil {
		return err
	}
	defer func() { _ = manager.Close(ctx) }()
	if err := holder.SetupHolder(ctx, name, engagement, db, false, nil); err != nil {
		return err
	}

	holderErr := make(chan error, 1)
	go func() { holderErr <- serveHolder(ctx, holder) }()

	// Reader
	readerKey, err := generateKey("P-256")
	if err != nil {
		return err
	}
	received, err := mdl.DecodeDeviceEngagement(engagement)
	if err != nil {
		return err
	}
	rb, err := session.FromEngagement(session.Verifier, received, readerKey)
	if err != nil {
		return err
	}
	reader, err := rb.SetTransport(transport).Build()
	if err != nil {
		return err
	}
	if err := reader.Connect(ctx, engagement); err != nil {
		return err
	}
	slog.Info("reader connected", "channel", reader.TransferChannel(), "mode", reader.BLEServiceMode())

	resp, err := reader.Request(ctx, []byte(mdlRequest))
	if err != nil {
		return err
	}
	if err := reader.Close(ctx); err != nil {
		return err
	}
	if err := <-holderErr; err != nil {
		return fmt.Errorf("holder: %w", err)
	}

	var issuerSigned map[string]cbor.RawBytes
	if err := cbor.Unmarshal(resp, &issuerSigned); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	cred, err := (&verify.Verifier{Roots: roots, Lenient: true}).VerifyEntry(verify.SigningEntry{
		IssuerAuth:       issuerSigned["issuerAuth"],
		IssuerNameSpaces: issuerSigned["nameSpaces"],
	})
	if err != nil {
		return err
	}
	return printCredential(os.Stdout, 0, cred)
}

// mdlRequest is the only request the demo holder answers.
const mdlRequest = "org.iso.18013.5.1.mDL"

// serveHolder answers requests until the reader ends the session.
func serveHolder(ctx context.Context, holder *session.Session) error {
	req, err := holder.Establish(ctx)
	for err == nil {
		if string(req) != mdlRequest {
			return fmt.Errorf("unsupported request %q", req)
		}
		resp, ierr := holder.Credential().IssuerSigned()
		if ierr != nil {
			return ierr
		}
		if err := holder.Respond(ctx, resp); err != nil {
			return err
		}
		req, err = holder.Receive(ctx)
	}
	if errors.Is(err, session.ErrTerminated) {
		return nil
	}
	return err
}
