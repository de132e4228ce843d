/*
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.
*/

package exterrors

import "fmt"

// EnhancedCode is the RFC 3463 extended status code (class.subject.detail).
type EnhancedCode [3]int

// Kind is the small, closed taxonomy every subsystem maps its native
// errors onto at its boundary. Upper layers match on Kind, never on
// error text.
type Kind string

const (
	KindConfig      Kind = "config"
	KindDBTransient Kind = "db_transient"
	KindDBPermanent Kind = "db_permanent"
	KindAuth        Kind = "auth"
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindPermission  Kind = "permission"
	KindRateLimit   Kind = "rate_limit"
	KindHook        Kind = "hook"
	KindStorage     Kind = "storage"
	KindInternal    Kind = "internal"
)

// SMTPError is the canonical shape carried across the hook/queue/session
// boundary: a protocol-level reply plus a Kind for callers that need to
// branch on semantics rather than text.
type SMTPError struct {
	Code         int
	EnhancedCode EnhancedCode
	Message      string
	Kind         Kind
}

func (e *SMTPError) Error() string {
	return fmt.Sprintf("%d %d.%d.%d %s", e.Code, e.EnhancedCode[0], e.EnhancedCode[1], e.EnhancedCode[2], e.Message)
}

func (e *SMTPError) Temporary() bool {
	return e.Code/100 == 4
}

func (e *SMTPError) Fields() map[string]interface{} {
	return map[string]interface{}{
		"smtp_code":     e.Code,
		"smtp_enchcode": e.EnhancedCode,
		"smtp_msg":      e.Message,
		"kind":          e.Kind,
	}
}
