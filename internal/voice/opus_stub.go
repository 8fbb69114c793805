//go:build !opus
// +build !opus

package voice

import "errors"

// Builds without the opus tag have no libopus; the platform still joins and
// posts text but cannot hear or speak.

var errOpusUnavailable = errors.New("built without opus support (use -tags opus)")

func newOpusDecoder() (frameDecoder, error) { return nil, errOpusUnavailable }

func newOpusEncoder() (frameEncoder, error) { return nil, errOpusUnavailable }
