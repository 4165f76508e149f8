package domain

import "github.com/pkg/errors"

// ErrStoreWrite is matched by every failed (and rolled back) store load.
var ErrStoreWrite = errors.New("store write failure")
