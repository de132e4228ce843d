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
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mailcove/coremail/framework/log"
	"github.com/mailcove/coremail/internal/model"
	"github.com/mailcove/coremail/internal/store"
)

// fakeMeta satisfies store.MetaStore but only GetUserByEmailAnyTenant is
// exercised by the SASL tests; every other method is unreachable here.
type fakeMeta struct {
	store.MetaStore
	users map[string]model.User
}

func (f *fakeMeta) GetUserByEmailAnyTenant(_ context.Context, email string) (model.User, error) {
	u, ok := f.users[email]
	if !ok {
		return model.User{}, store.ErrNotFound
	}
	return u, nil
}

func newVerifier(t *testing.T) *Verifier {
	hash, err := HashPassword(DefaultHashOpts, "aa")
	require.NoError(t, err)

	return &Verifier{
		Log: log.Logger{},
		Meta: &fakeMeta{
			users: map[string]model.User{
				"user1": {Email: "user1", Active: true, PasswordHash: hash},
			},
		},
	}
}

func TestCreateSASL(t *testing.T) {
	v := newVerifier(t)

	t.Run("XWHATEVER", func(t *testing.T) {
		srv := v.CreateSASL("XWHATEVER", &net.TCPAddr{}, func(string) error { return nil })
		_, _, err := srv.Next([]byte(""))
		require.Error(t, err)
	})

	t.Run("PLAIN", func(t *testing.T) {
		var got string
		srv := v.CreateSASL("PLAIN", &net.TCPAddr{}, func(id string) error {
			got = id
			return nil
		})
		_, _, err := srv.Next([]byte("\x00user1\x00aa"))
		require.NoError(t, err)
		require.Equal(t, "user1", got)
	})

	t.Run("PLAIN wrong password", func(t *testing.T) {
		srv := v.CreateSASL("PLAIN", &net.TCPAddr{}, func(string) error { return nil })
		_, _, err := srv.Next([]byte("\x00user1\x00wrong"))
		require.ErrorIs(t, err, ErrInvalidAuthCred)
	})
}
