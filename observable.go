package resync

import (
	"reflect"
	"sync"
)

type UpdateFunction[T any] func(value T)

// Observable holds a single value and notifies subscribers synchronously,
// in registration order, whenever `Update` stores a value that differs
// from the current one. Equality is decided by the `equals` function
// given at construction. The default is reflect.DeepEqual; checked state
// observables compare checksums instead, which is equivalent and cheap.
type Observable[T any] struct {
	mutex           sync.Mutex
	value           T
	equals          func(a T, b T) bool
	updateCallbacks *callbackList[UpdateFunction[T]]
}

func NewObservable[T any](value T) *Observable[T] {
	return NewObservableWithEquals(value, func(a T, b T) bool {
		return reflect.DeepEqual(a, b)
	})
}

func NewObservableWithEquals[T any](value T, equals func(a T, b T) bool) *Observable[T] {
	return &Observable[T]{
		value:           value,
		equals:          equals,
		updateCallbacks: newCallbackList[UpdateFunction[T]](),
	}
}

func (self *Observable[T]) Get() T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.value
}

func (self *Observable[T]) Update(next T) {
	self.mutex.Lock()
	if self.equals(self.value, next) {
		self.mutex.Unlock()
		return
	}
	self.value = next
	self.mutex.Unlock()

	// subscribers registered during the callbacks do not fire for this update
	for _, updateCallback := range self.updateCallbacks.get() {
		updateCallback(next)
	}
}

func (self *Observable[T]) OnUpdate(updateCallback UpdateFunction[T]) func() {
	return self.updateCallbacks.add(updateCallback)
}
