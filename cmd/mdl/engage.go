// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	mdl "github.com/svipe/go-mdl"
	"github.com/svipe/go-mdl/cbor/cdn"
	"github.com/svipe/go-mdl/cose"
)

func engageCommand() *cli.Command {
	return &cli.Command{
		Name:  "engage",
		Usage: "generate an ephemeral device key and print its device engagement",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "curve", Usage: "device key curve: P-256, P-384 or P-521", Value: "P-256"},
			&cli.BoolFlag{Name: "peripheral", Usage: "offer BLE peripheral server mode", Value: true},
			&cli.BoolFlag{Name: "central", Usage: "offer BLE central client mode"},
			&cli.BoolFlag{Name: "wifi-aware", Usage: "offer Wi-Fi Aware"},
			&cli.StringFlag{Name: "wifi-passphrase", Usage: "Wi-Fi Aware pass phrase"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			key, err := generateKey(cmd.String("curve"))
			if err != nil {
				return err
			}
			de, err := buildEngagement(key, cmd)
			if err != nil {
				return err
			}
			return printEngagement(os.Stdout, de)
		},
	}
}

func generateKey(curve string) (*cose.Key, error) {
	for _, c := range []cose.Curve{cose.P256, cose.P384, cose.P521} {
		if strings.EqualFold(curve, c.String()) {
			return cose.GenerateKey(c)
		}
	}
	return nil, fmt.Errorf("unsupported curve %q", curve)
}

func buildEngagement(key *cose.Key, cmd *cli.Command) (*mdl.DeviceEngagement, error) {
	sec, err := mdl.NewSecurityBuilder().SetCoseKey(key).Build()
	if err != nil {
		return nil, err
	}
	b := mdl.NewBuilder().Version("1.0").Security(sec)
	if peripheral, central := cmd.Bool("peripheral"), cmd.Bool("central"); peripheral || central {
		b.AddTransferMethod(mdl.NewBLETransferMethod(peripheral, central))
	}
	if cmd.Bool("wifi-aware") || cmd.String("wifi-passphrase") != "" {
		wifi, err := mdl.NewWiFiAwareTransferMethod(mdl.WiFiAwareOptions{Passphrase: cmd.String("wifi-passphrase")})
		if err != nil {
			return nil, err
		}
		b.AddTransferMethod(wifi)
	}
	return b.Build()
}

func decodeCommand() *cli.Command {
	return &cli.Command{
		Name:      "decode",
		Usage:     "decode a device engagement",
		ArgsUsage: "<mdoc: URI | hex | - for stdin>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 1 {
				return errors.New("expected one engagement argument")
			}
			data, err := readEngagement(cmd.Args().First())
			if err != nil {
				return err
			}
			de, err := mdl.DecodeDeviceEngagement(data)
			if err != nil {
				return err
			}
			return printEngagement(os.Stdout, de)
		},
	}
}

// readEngagement accepts the QR code URI, hex, or raw bytes on stdin.
func readEngagement(arg string) ([]byte, error) {
	switch {
	case arg == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, err
		}
		if s := strings.TrimSpace(string(data)); strings.HasPrefix(s, mdl.URIScheme) {
			return mdl.ParseEngagementURI(s)
		}
		return data, nil
	case strings.HasPrefix(arg, mdl.URIScheme):
		return mdl.ParseEngagementURI(arg)
	default:
		data, err := hex.DecodeString(strings.TrimSpace(arg))
		if err != nil {
			return nil, fmt.Errorf("engagement is neither an %s URI nor hex: %w", mdl.URIScheme, err)
		}
		return data, nil
	}
}

func printEngagement(w io.Writer, de *mdl.DeviceEngagement) error {
	uri, err := de.URI()
	if err != nil {
		return err
	}
	data, err := de.Encode()
	if err != nil {
		return err
	}
	key := de.Security().CoseKey()

	_, _ = fmt.Fprintf(w, "URI:       %s\n", uri)
	_, _ = fmt.Fprintf(w, "Version:   %s\n", de.Version())
	_, _ = fmt.Fprintf(w, "Suite:     %d\n", de.Security().CipherSuiteIdent())
	_, _ = fmt.Fprintf(w, "DeviceKey: %s\n", key.Curve)
	for _, m := range de.TransferMethods() {
		switch m := m.(type) {
		case *mdl.BLETransferMethod:
			id := m.Identification()
			_, _ = fmt.Fprintf(w, "Method:    BLE peripheral=%t central=%t -> %s\n",
				id.SupportsPeripheralServer(), id.SupportsCentralClient(), mdl.SelectBLEServiceMode(id))
			if u, ok := m.PeripheralServerUUID(); ok {
				_, _ = fmt.Fprintf(w, "           service %s\n", u)
			}
		case *mdl.WiFiAwareTransferMethod:
			_, _ = fmt.Fprintf(w, "Method:    Wi-Fi Aware\n")
		default:
			_, _ = fmt.Fprintf(w, "Method:    type %d version %d\n", m.Type(), m.Version())
		}
	}
	_, ble := de.BLETransferMethod()
	_, wifi := de.WiFiAwareTransferMethod()
	if !ble && !wifi {
		_, _ = fmt.Fprintln(w, "Channel:   none, the engagement cannot start a session")
	}
	_, _ = fmt.Fprintf(w, "CBOR:      %s\n", cdn.String(data))
	return nil
}
