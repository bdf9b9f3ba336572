// cpdlc/errors.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package cpdlc

import "errors"

var ErrAircraftNotConnected = errors.New("Aircraft is not connected")
