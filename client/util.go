package client

import (
	"sync"

	"github.com/golang/glog"
)

// makes a copy of the list on read so that callbacks can be
// invoked without holding the lock
type CallbackList[T any] struct {
	stateLock sync.Mutex

	nextCallbackId int
	callbackIds    []int
	callbacks      map[int]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbackIds: []int{},
		callbacks:   map[int]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbacks := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

// returns a function to remove the callback
func (self *CallbackList[T]) Add(callback T) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.callbackIds = append(self.callbackIds, callbackId)
	self.callbacks[callbackId] = callback

	return func() {
		self.remove(callbackId)
	}
}

func (self *CallbackList[T]) remove(callbackId int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		// not present
		return
	}
	delete(self.callbacks, callbackId)
	nextCallbackIds := make([]int, 0, len(self.callbackIds)-1)
	for _, existingCallbackId := range self.callbackIds {
		if existingCallbackId != callbackId {
			nextCallbackIds = append(nextCallbackIds, existingCallbackId)
		}
	}
	self.callbackIds = nextCallbackIds
}

// all callbacks out of the engine are wrapped to recover from errors,
// so that a bad subscriber cannot corrupt engine state
func safeCallback(tag string, callback func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Infof("[%s]callback recovered = %v\n", tag, r)
		}
	}()
	callback()
}
