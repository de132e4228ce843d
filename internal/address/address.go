/*
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package address implements RFC 5321 address parsing and the comparison
// rules the rest of the core relies on: case-insensitive domain matching,
// as-received local-part storage.
package address

import (
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"

	"github.com/mailcove/coremail/framework/dns"
)

// Address is a parsed (local, domain) pair. Both parts are kept exactly
// as received; ForLookup folds the local-part and the domain for
// comparisons.
type Address struct {
	Local  string
	Domain string
}

// Postmaster addresses (RFC 5321 §4.1.1.3) have no domain part.
func (a Address) IsPostmaster() bool {
	return a.Domain == "" && strings.EqualFold(a.Local, "postmaster")
}

func (a Address) String() string {
	if a.Domain == "" {
		return a.Local
	}
	return a.Local + "@" + a.Domain
}

// ForLookup returns the canonical form used for map lookups: the domain
// case-folded and IDNA-normalized, the local-part NFC-normalized and
// lower-cased. Dot-stuffing in the local-part is NOT normalized away.
func (a Address) ForLookup() string {
	domain, _ := dns.ForLookup(a.Domain)
	local := strings.ToLower(norm.NFC.String(a.Local))
	if domain == "" {
		return local
	}
	return local + "@" + domain
}

// Parse splits a forward-path token into an Address. Exactly one '@' is
// required, both sides non-empty, except for the bare "postmaster" form.
func Parse(addr string) (Address, error) {
	local, domain, err := Split(addr)
	if err != nil {
		return Address{}, err
	}
	return Address{Local: local, Domain: domain}, nil
}

// Split is the naive primitive Parse builds on: it performs no validation
// of either side beyond non-emptiness.
func Split(addr string) (local, domain string, err error) {
	if strings.EqualFold(addr, "postmaster") {
		return addr, "", nil
	}

	idx := strings.LastIndexByte(addr, '@')
	if idx == -1 {
		return "", "", errors.New("address: missing at-sign")
	}
	local = addr[:idx]
	domain = addr[idx+1:]
	if local == "" {
		return "", "", errors.New("address: empty local-part")
	}
	if domain == "" {
		return "", "", errors.New("address: empty domain")
	}
	return
}

// CleanDomain normalizes the domain part to its U-label NFC-folded form,
// leaving the local-part untouched. Used when accepting MAIL FROM/RCPT TO
// so routing tables only ever see canonical domains.
func CleanDomain(addr string) (string, error) {
	local, domain, err := Split(addr)
	if err != nil {
		return addr, err
	}

	uDomain, err := idna.ToUnicode(domain)
	if err != nil {
		return addr, err
	}
	uDomain = strings.ToLower(norm.NFC.String(uDomain))

	if domain == "" {
		return local, nil
	}
	return local + "@" + uDomain, nil
}

// Equal reports case-insensitive, IDNA-aware equivalence of two addresses.
func Equal(addr1, addr2 string) bool {
	if addr1 == addr2 {
		return true
	}
	a1, err1 := Parse(addr1)
	a2, err2 := Parse(addr2)
	if err1 != nil || err2 != nil {
		return strings.EqualFold(addr1, addr2)
	}
	return a1.ForLookup() == a2.ForLookup()
}

func IsASCII(s string) bool {
	for _, ch := range s {
		if ch > utf8.RuneSelf {
			return false
		}
	}
	return true
}
