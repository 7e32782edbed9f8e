/*
Copyright © 2025 Denis Khalturin
All rights reserved.

Redistribution and use in source and binary forms, with or without
modification, are permitted provided that the following conditions are met:

1. Redistributions of source code must retain the above copyright notice,
   this list of conditions and the following disclaimer.

2. Redistributions in binary form must reproduce the above copyright notice,
   this list of conditions and the following disclaimer in the documentation
   and/or other materials provided with the distribution.

3. Neither the name of the copyright holder nor the names of its contributors
   may be used to endorse or promote products derived from this software
   without specific prior written permission.

THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE
ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE
LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR
CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF
SUBSTITUTE GOODS OR SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN
CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE)
ARISING IN ANY WAY OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE
POSSIBILITY OF SUCH DAMAGE.
*/
// prettier-ignore-end

// Package mixerrors defines the error taxonomy shared across the keyring
// subsystem. Each kind wraps an underlying cause and is matched with
// errors.As, never by string comparison.
package mixerrors

import "fmt"

// Kind identifies which part of the keyring a Error originated from.
type Kind string

const (
	KindConfig     Kind = "config"
	KindKey        Kind = "key"
	KindDescriptor Kind = "descriptor"
	KindBuild      Kind = "build"
	KindPublish    Kind = "publish"
	KindReject     Kind = "publish_rejected"
	KindTLS        Kind = "tls"
)

// Error is the common error type for the keyring subsystem. Op names the
// failing operation (e.g. "KeySet.Load"), Kind classifies the failure,
// and Err is the wrapped cause, if any.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, mixerrors.Rejected) style checks against the sentinels
// below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	return true
}

func wrap(kind Kind, op string, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func ConfigErr(op string, err error) error     { return wrap(KindConfig, op, err) }
func KeyErr(op string, err error) error        { return wrap(KindKey, op, err) }
func DescriptorErr(op string, err error) error { return wrap(KindDescriptor, op, err) }
func BuildErr(op string, err error) error      { return wrap(KindBuild, op, err) }
func PublishErr(op string, err error) error    { return wrap(KindPublish, op, err) }
func TLSErr(op string, err error) error        { return wrap(KindTLS, op, err) }

// Reject marks a directory rejection (status 0); msg is the directory's
// human-readable reason. It is not treated as fatal by callers.
func Reject(op string, msg string) error {
	return &Error{Op: op, Kind: KindReject, Err: fmt.Errorf("%s", msg)}
}

// Sentinels used with errors.Is to classify a returned error without caring
// about Op or the wrapped cause.
var (
	Config     = &Error{Kind: KindConfig}
	Key        = &Error{Kind: KindKey}
	Descriptor = &Error{Kind: KindDescriptor}
	Build      = &Error{Kind: KindBuild}
	Publish    = &Error{Kind: KindPublish}
	Rejected   = &Error{Kind: KindReject}
	TLS        = &Error{Kind: KindTLS}
)
