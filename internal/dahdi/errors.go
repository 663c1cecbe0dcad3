/*
 * This file is part of Hearthline (https://github.com/hearthline/fxs-bridge).
 * Copyright (C) 2025 Hearthline Contributors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package dahdi

import (
	"errors"
	"fmt"
)

// Error taxonomy for the channel interface. Transient I/O failures are
// retried by the health supervisor; everything else is surfaced to the
// caller synchronously.
var (
	ErrDeviceUnavailable   = errors.New("device unavailable")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrConfigurationFailed = errors.New("configuration failed")
	ErrFormatMismatch      = errors.New("format mismatch")
	ErrIOFailure           = errors.New("i/o failure")
	ErrConnectionLost      = errors.New("connection lost")
	ErrInvalidState        = errors.New("invalid channel state")
)

// ChannelError wraps a failure with the operation name and channel number so
// callers can log it without knowing the device's history
type ChannelError struct {
	Op      string
	Channel int
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %d: %s: %v", e.Channel, e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

func (c *Channel) opErr(op string, err error) error {
	return &ChannelError{Op: op, Channel: c.cfg.ChannelNumber, Err: err}
}

// IsTransient reports whether an error should be retried with backoff
// rather than treated as fatal for the session
func IsTransient(err error) bool {
	return errors.Is(err, ErrIOFailure)
}
