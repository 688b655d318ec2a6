package model

import "errors"

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrReservationLost is returned when a ledger row is no longer pending
// under the caller's lease: it was reclaimed, completed or re-reserved by
// another submission.
var ErrReservationLost = errors.New("reservation lost")
