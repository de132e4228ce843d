/*
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.
*/

package auth

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/emersion/go-sasl"

	"github.com/mailcove/coremail/framework/log"
	"github.com/mailcove/coremail/internal/auth/sasllogin"
	"github.com/mailcove/coremail/internal/store"
)

var (
	ErrUnsupportedMech = errors.New("auth: unsupported SASL mechanism")
	ErrInvalidAuthCred = errors.New("auth: invalid credentials")
)

// Verifier checks a username (full address, tenant-disambiguated by
// GetUserByEmailAnyTenant) and password against the users table.
type Verifier struct {
	Meta store.MetaStore
	Log  log.Logger

	// EnableLogin advertises and accepts the obsolete LOGIN mechanism, for
	// clients that cannot speak PLAIN.
	EnableLogin bool
}

func (v *Verifier) SASLMechanisms() []string {
	mechs := []string{sasl.Plain}
	if v.EnableLogin {
		mechs = append(mechs, sasl.Login)
	}
	return mechs
}

// Authenticate verifies username/password against the stored Argon2id hash
// and returns ErrInvalidAuthCred for any mismatch, unknown user, or
// deactivated account — callers must not distinguish these to avoid
// leaking account existence.
func (v *Verifier) Authenticate(ctx context.Context, username, password string) error {
	u, err := v.Meta.GetUserByEmailAnyTenant(ctx, username)
	if err != nil {
		v.Log.DebugMsg("auth: unknown user", "username", username)
		return ErrInvalidAuthCred
	}
	if !u.Active {
		return ErrInvalidAuthCred
	}

	ok, err := VerifyPassword(password, u.PasswordHash)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if !ok {
		return ErrInvalidAuthCred
	}
	return nil
}

// CreateSASL builds the sasl.Server instance for the given mechanism. On
// success, successCb is invoked with the authenticated identity.
func (v *Verifier) CreateSASL(mech string, remoteAddr net.Addr, successCb func(identity string) error) sasl.Server {
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity == "" {
				identity = username
			}
			if identity != username {
				return ErrInvalidAuthCred
			}

			if err := v.Authenticate(context.Background(), username, password); err != nil {
				v.Log.Error("authentication failed", err, "username", username, "src_ip", remoteAddr.String())
				return ErrInvalidAuthCred
			}
			return successCb(identity)
		})
	case sasl.Login:
		if !v.EnableLogin {
			return failingSASLServ{err: ErrUnsupportedMech}
		}
		return sasllogin.NewLoginServer(func(username, password string) error {
			if err := v.Authenticate(context.Background(), username, password); err != nil {
				v.Log.Error("authentication failed", err, "username", username, "src_ip", remoteAddr.String())
				return ErrInvalidAuthCred
			}
			return successCb(username)
		})
	}
	return failingSASLServ{err: ErrUnsupportedMech}
}

type failingSASLServ struct{ err error }

func (s failingSASLServ) Next([]byte) ([]byte, bool, error) {
	return nil, true, s.err
}
