package sdmx

import "errors"

// ErrDsdInvalid is returned (wrapped) when a DSD fails its structural
// invariants: missing/duplicated time dimension, empty or duplicate
// dimension ids.
var ErrDsdInvalid = errors.New("sdmx: dsd invalid")
