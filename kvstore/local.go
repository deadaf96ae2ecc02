package kvstore

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/parexec/types/tensors"
	"k8s.io/klog/v2"
)

// Local is a synchronous in-process Store: single worker, multiple devices.
//
// Push sums the pushed block elementwise into a host-side value. Without an
// updater the sum becomes the stored value (the "aggregate gradients, update
// locally" flow); with an updater attached, the stored value is a weight seeded
// by Init, and Push applies updater(key, sum, weight) to it (the "update on
// kvstore" flow). Pull copies the stored value into every target.
//
// The priority hint is ignored: everything here completes before returning.
//
// Local is not safe for concurrent use; it assumes the single-writer model of
// the executor group that drives it.
type Local struct {
	updater Updater
	values  map[int]*tensors.Local
}

// NewLocal creates an empty Local store.
func NewLocal() *Local {
	return &Local{values: make(map[int]*tensors.Local)}
}

// SetUpdater attaches the updater that Push applies to stored weights.
// Keys pushed from then on must have been seeded with Init.
func (s *Local) SetUpdater(updater Updater) {
	s.updater = updater
}

// Init seeds the stored value for the key, copying value to the host.
// Required before pushing to a store with an updater attached.
func (s *Local) Init(key int, value tensors.Tensor) {
	if _, found := s.values[key]; found {
		exceptions.Panicf("kvstore: Init of key %d, which is already initialized", key)
	}
	s.values[key] = value.ToHost()
}

// Push implements Store.
func (s *Local) Push(key int, values []tensors.Tensor, priority int) {
	if len(values) == 0 {
		exceptions.Panicf("kvstore: Push of key %d with an empty block", key)
	}
	klog.V(2).Infof("kvstore: push key=%d block=%d priority=%d", key, len(values), priority)
	sum := tensors.FromShape(values[0].Shape())
	tensors.Sum(sum, values)
	if s.updater == nil {
		s.values[key] = sum
		return
	}
	weight, found := s.values[key]
	if !found {
		exceptions.Panicf("kvstore: Push of key %d with an updater attached, but the key was never initialized", key)
	}
	s.updater(key, sum, weight)
}

// Pull implements Store.
func (s *Local) Pull(key int, targets []tensors.Tensor, priority int) {
	value, found := s.values[key]
	if !found {
		exceptions.Panicf("kvstore: Pull of unknown key %d", key)
	}
	klog.V(2).Infof("kvstore: pull key=%d block=%d priority=%d", key, len(targets), priority)
	for _, target := range targets {
		target.CopyFrom(value)
	}
}
