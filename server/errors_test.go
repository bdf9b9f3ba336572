// server/errors_test.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package server

import (
	"errors"
	"testing"

	"github.com/atcflow/datalink/acars"
	"github.com/atcflow/datalink/cpdlc"
	"github.com/atcflow/datalink/util"
)

func TestTryDecodeError(t *testing.T) {
	// net/rpc flattens errors to strings; each sentinel must decode back
	// to its canonical value so errors.Is works on the client side.
	for _, sentinel := range []error{
		cpdlc.ErrAircraftNotConnected,
		acars.ErrClientUnavailable,
		acars.ErrUnknownClient,
		util.ErrRPCTimeout,
		ErrControllerAlreadySignedOn,
		ErrInvalidControllerToken,
		ErrRPCVersionMismatch,
		ErrServerDisconnected,
		ErrServerShuttingDown,
	} {
		flattened := errors.New(sentinel.Error())
		if got := TryDecodeError(flattened); !errors.Is(got, sentinel) {
			t.Errorf("TryDecodeError(%q) = %v, expected the sentinel", sentinel, got)
		}
	}

	if err := TryDecodeError(nil); err != nil {
		t.Errorf("TryDecodeError(nil) = %v", err)
	}
	if err := TryDecodeError(errors.New("dial tcp: connection refused")); err == nil ||
		err.Error() != "dial tcp: connection refused" {
		t.Errorf("unknown error not passed through: %v", err)
	}

	// Every decode-map entry must carry a distinct message; a duplicate
	// string would make one sentinel silently shadow another.
	if len(errorStringToError) != 9 {
		t.Errorf("decode map has %d entries, expected 9", len(errorStringToError))
	}
}
