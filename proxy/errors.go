package proxy

import "errors"

// ErrShutdown is returned to a waiter whose Require() was still pending when
// the LifecycleManager's event loop exited.
var ErrShutdown = errors.New("proxytainer: lifecycle manager shut down")

// ErrEmptyGroup is a fatal startup error: the configured group label matched
// no containers (including stopped ones).
var ErrEmptyGroup = errors.New("proxytainer: container group resolved to zero containers")
