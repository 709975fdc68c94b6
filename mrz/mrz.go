// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package mrz implements the parts of the ICAO 9303 machine readable zone
// needed to unlock and identify a travel document chip.
package mrz

import (
	"fmt"
	"strings"
	"time"

	mdl "github.com/svipe/go-mdl"
)

// DateLayout is the YYMMDD layout of MRZ dates.
const DateLayout = "060102"

// Length of a document number field. Shorter numbers are padded with '<'.
const documentNumberLen = 9

// Info is the subset of the MRZ used to derive the chip access key.
type Info struct {
	DocumentNumber string `json:"documentNumber"`
	DateOfBirth    string `json:"dateOfBirth"`  // YYMMDD
	DateOfExpiry   string `json:"dateOfExpiry"` // YYMMDD
}

// FromDates formats birth and expiry dates as MRZ dates.
func FromDates(documentNumber string, birth, expiry time.Time) Info {
	return Info{
		DocumentNumber: strings.ToUpper(documentNumber),
		DateOfBirth:    birth.Format(DateLayout),
		DateOfExpiry:   expiry.Format(DateLayout),
	}
}

// Validate checks that every field can be encoded in an MRZ.
func (i Info) Validate() error {
	if i.DocumentNumber == "" {
		return mdl.NewConfigurationError("MRZ", "documentNumber", "document number is required")
	}
	if _, err := CheckDigit(i.DocumentNumber); err != nil {
		return mdl.NewConfigurationError("MRZ", "documentNumber", err.Error())
	}
	for _, f := range []struct{ name, val string }{
		{"dateOfBirth", i.DateOfBirth},
		{"dateOfExpiry", i.DateOfExpiry},
	} {
		if len(f.val) != len(DateLayout) {
			return mdl.NewConfigurationError("MRZ", f.name, fmt.Sprintf("expected YYMMDD, got %q", f.val))
		}
		if _, err := time.Parse(DateLayout, f.val); err != nil {
			return mdl.NewConfigurationError("MRZ", f.name, fmt.Sprintf("invalid date %q", f.val))
		}
	}
	return nil
}

// Key returns the MRZ information used as BAC/PACE key seed: the padded
// document number, birth date and expiry date, each followed by its check
// digit.
func (i Info) Key() (string, error) {
	if err := i.Validate(); err != nil {
		return "", err
	}
	number := strings.ToUpper(i.DocumentNumber)
	if n := len(number); n < documentNumberLen {
		number += strings.Repeat("<", documentNumberLen-n)
	}

	var sb strings.Builder
	for _, field := range []string{number, i.DateOfBirth, i.DateOfExpiry} {
		cd, err := CheckDigit(field)
		if err != nil {
			return "", err
		}
		sb.WriteString(field)
		sb.WriteByte('0' + byte(cd))
	}
	return sb.String(), nil
}

// CheckDigit computes the check digit of an MRZ field with the repeating
// 7, 3, 1 weights. Digits count as their value, letters A-Z as 10-35 and the
// filler '<' as zero. Lower case letters are accepted.
func CheckDigit(field string) (int, error) {
	weights := [3]int{7, 3, 1}
	var sum int
	for i, c := range strings.ToUpper(field) {
		var v int
		switch {
		case c >= '0' && c <= '9':
			v = int(c - '0')
		case c >= 'A' && c <= 'Z':
			v = int(c-'A') + 10
		case c == '<', c == ' ':
			v = 0
		default:
			return 0, fmt.Errorf("invalid MRZ character %q at position %d", c, i)
		}
		sum += v * weights[i%3]
	}
	return sum % 10, nil
}
