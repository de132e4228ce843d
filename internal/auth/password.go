/*
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.
*/

// Package auth implements tenant-scoped password verification and SASL
// mechanism framing for the SMTP submission and POP3/IMAP endpoints.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// HashOpts controls the cost parameters used for new password hashes.
// Stored alongside the hash itself (PHC-like colon format) so verification
// never depends on the server's current defaults.
type HashOpts struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

// DefaultHashOpts matches the OWASP-recommended Argon2id baseline.
var DefaultHashOpts = HashOpts{Time: 3, Memory: 64 * 1024, Threads: 4}

const argon2KeyLen = 32

// HashPassword computes an Argon2id hash in "time:memory:threads:salt:hash"
// form, each field base64-encoded except the integers.
func HashPassword(opts HashOpts, password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, opts.Time, opts.Memory, opts.Threads, argon2KeyLen)

	var out strings.Builder
	out.WriteString(strconv.FormatUint(uint64(opts.Time), 10))
	out.WriteByte(':')
	out.WriteString(strconv.FormatUint(uint64(opts.Memory), 10))
	out.WriteByte(':')
	out.WriteString(strconv.FormatUint(uint64(opts.Threads), 10))
	out.WriteByte(':')
	out.WriteString(base64.StdEncoding.EncodeToString(salt))
	out.WriteByte(':')
	out.WriteString(base64.StdEncoding.EncodeToString(hash))
	return out.String(), nil
}

// VerifyPassword checks password against a hash produced by HashPassword.
func VerifyPassword(password, encoded string) (bool, error) {
	parts := strings.SplitN(encoded, ":", 5)
	if len(parts) != 5 {
		return false, fmt.Errorf("auth: malformed password hash")
	}

	t, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return false, fmt.Errorf("auth: malformed password hash: %w", err)
	}
	m, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return false, fmt.Errorf("auth: malformed password hash: %w", err)
	}
	p, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return false, fmt.Errorf("auth: malformed password hash: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return false, fmt.Errorf("auth: malformed password hash: %w", err)
	}
	want, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("auth: malformed password hash: %w", err)
	}

	got := argon2.IDKey([]byte(password), salt, uint32(t), uint32(m), uint8(p), uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
