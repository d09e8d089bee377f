package richdoc

import "errors"

// ErrUnknownSlot is returned by ParseSlot for names outside Slots.
var ErrUnknownSlot = errors.New("richdoc: unknown slot")
