// Package kvstore defines the parameter-store interface the executor group
// synchronizes through, and a Local in-process implementation of it.
//
// A store holds one value per integer key (the executor group keys by parameter
// index). Push sends a block of per-device tensors to be aggregated under a
// key; Pull copies the stored value back into every tensor of a block. The
// priority argument is an urgency hint for asynchronous stores: lower (more
// negative) values are more urgent. How a distributed store orders, aggregates
// across processes, retries or times out is its own business -- this package
// only fixes the calling contract.
package kvstore

import (
	"github.com/gomlx/parexec/types/tensors"
)

// Updater applies an aggregated gradient to a weight, in place. The key
// identifies the logical parameter (or, for per-device local updates, the
// (parameter, device) pair) so updaters can keep per-key state, e.g. momentum.
type Updater func(key int, grad, weight tensors.Tensor)

// Store is the distributed parameter-store interface.
//
// Implementations may be asynchronous: Push/Pull order is only guaranteed
// per-key, and the priority hint lets the store reorder across keys.
type Store interface {
	// Push submits the per-device tensors of a block for aggregation
	// (typically an elementwise sum) under the key.
	Push(key int, values []tensors.Tensor, priority int)

	// Pull copies the current aggregated value for the key into every tensor
	// of the block, in place.
	Pull(key int, targets []tensors.Tensor, priority int)
}
