package presence

import "errors"

var errPanicWrite = errors.New("connection write panicked")
