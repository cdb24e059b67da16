package resync

import (
	"sync"

	"github.com/golang/glog"
)

// Resource owns the checked state of one logical shared-state instance.
// It applies actions optimistically through its dispatcher and adopts the
// master's ordering through reconciliation, verifying the expected
// checksum on every reconciled action.
//
// Reconciliation is explicit. The resource never reconciliates on its
// own, the outer binding (SyncedResource) drives it from master-pushed
// events.
//
// All callbacks fire synchronously on the goroutine that caused the
// update. After Destroy every operation returns ErrAlreadyDestroyed and
// no callback fires again.
type Resource[S any] struct {
	mutex     sync.Mutex
	destroyed bool

	observable          *Observable[CheckedState[S]]
	dispatcher          *Dispatcher[S]
	reducer             Reducer[S]
	dispatchedCallbacks *callbackList[DispatchedFunction[S]]
	unsubs              []func()
}

// NewResource seeds the initial state by reducing the init action over
// the zero state.
func NewResource[S any](reducer Reducer[S]) (*Resource[S], error) {
	var zero S
	return NewResourceWithState(reducer, reducer(zero, Action{Type: InitActionType}))
}

func NewResourceWithState[S any](reducer Reducer[S], initialState S) (*Resource[S], error) {
	checkedState, err := ComputeCheckedState(initialState)
	if err != nil {
		return nil, err
	}

	observable := NewObservableWithEquals(
		checkedState,
		func(a CheckedState[S], b CheckedState[S]) bool {
			return a.Checksum == b.Checksum
		},
	)
	resource := &Resource[S]{
		observable:          observable,
		reducer:             reducer,
		dispatchedCallbacks: newCallbackList[DispatchedFunction[S]](),
	}
	resource.dispatcher = NewDispatcher(observable, reducer, func(event DispatchedEvent[S]) {
		for _, dispatchedCallback := range resource.dispatchedCallbacks.get() {
			dispatchedCallback(event)
		}
	})
	return resource, nil
}

func (self *Resource[S]) live() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.destroyed {
		return ErrAlreadyDestroyed
	}
	return nil
}

// Dispatch applies a public action optimistically and announces it via
// the dispatched event.
func (self *Resource[S]) Dispatch(action Action) error {
	if err := self.live(); err != nil {
		return err
	}
	return self.dispatcher.Dispatch(PublicAction(action))
}

// DispatchPrivate applies the private action locally and announces the
// pair, the outer binding transmits both halves and peers only ever see
// the public one.
func (self *Resource[S]) DispatchPrivate(privateAction Action, publicAction Action) error {
	if err := self.live(); err != nil {
		return err
	}
	return self.dispatcher.Dispatch(PrivateAction(privateAction, publicAction))
}

// ApplyAction applies without emitting a dispatched event.
func (self *Resource[S]) ApplyAction(actionOrPair ActionOrPair) (CheckedState[S], error) {
	if err := self.live(); err != nil {
		return CheckedState[S]{}, err
	}
	next := self.reducer(self.observable.Get().State, actionOrPair.Local())
	checkedNext, err := ComputeCheckedState(next)
	if err != nil {
		return CheckedState[S]{}, err
	}
	self.observable.Update(checkedNext)
	return checkedNext, nil
}

// ReconciliateAction applies a master-authoritative action, public half
// only, and verifies the expected post-apply checksum. On mismatch the
// observable is left untouched and ErrChecksumMismatch is returned, the
// caller typically follows with a full state refresh.
func (self *Resource[S]) ReconciliateAction(checkedAction CheckedAction) (CheckedState[S], error) {
	if err := self.live(); err != nil {
		return CheckedState[S]{}, err
	}
	next := self.reducer(self.observable.Get().State, checkedAction.Action)
	checkedNext, err := ComputeCheckedState(next)
	if err != nil {
		return CheckedState[S]{}, err
	}
	if checkedNext.Checksum != checkedAction.Checksum {
		glog.Infof("[r]reconciliate mismatch %s != %s\n", checkedNext.Checksum, checkedAction.Checksum)
		return CheckedState[S]{}, ErrChecksumMismatch
	}
	self.observable.Update(checkedNext)
	return checkedNext, nil
}

// ReconciliateActions applies an ordered batch atomically. Every step
// checksum and the final checksum are verified before the observable
// updates once with the end state. On any mismatch nothing mutates.
func (self *Resource[S]) ReconciliateActions(reconciliatoryActions ReconciliatoryActions) (CheckedState[S], error) {
	if err := self.live(); err != nil {
		return CheckedState[S]{}, err
	}
	state := self.observable.Get().State
	var checkedNext CheckedState[S]
	for _, checkedAction := range reconciliatoryActions.Actions {
		next := self.reducer(state, checkedAction.Action)
		var err error
		checkedNext, err = ComputeCheckedState(next)
		if err != nil {
			return CheckedState[S]{}, err
		}
		if checkedNext.Checksum != checkedAction.Checksum {
			glog.Infof("[r]reconciliate batch mismatch %s != %s\n", checkedNext.Checksum, checkedAction.Checksum)
			return CheckedState[S]{}, ErrChecksumMismatch
		}
		state = next
	}
	if len(reconciliatoryActions.Actions) == 0 {
		var err error
		checkedNext, err = ComputeCheckedState(state)
		if err != nil {
			return CheckedState[S]{}, err
		}
	}
	if reconciliatoryActions.FinalChecksum != "" && checkedNext.Checksum != reconciliatoryActions.FinalChecksum {
		glog.Infof("[r]reconciliate final mismatch %s != %s\n", checkedNext.Checksum, reconciliatoryActions.FinalChecksum)
		return CheckedState[S]{}, ErrChecksumMismatch
	}
	self.observable.Update(checkedNext)
	return checkedNext, nil
}

func (self *Resource[S]) OnUpdated(updateCallback UpdateFunction[CheckedState[S]]) (func(), error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.destroyed {
		return nil, ErrAlreadyDestroyed
	}
	unsub := self.observable.OnUpdate(updateCallback)
	self.unsubs = append(self.unsubs, unsub)
	return unsub, nil
}

func (self *Resource[S]) OnDispatched(dispatchedCallback DispatchedFunction[S]) (func(), error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.destroyed {
		return nil, ErrAlreadyDestroyed
	}
	unsub := self.dispatchedCallbacks.add(dispatchedCallback)
	self.unsubs = append(self.unsubs, unsub)
	return unsub, nil
}

func (self *Resource[S]) Get() (CheckedState[S], error) {
	if err := self.live(); err != nil {
		return CheckedState[S]{}, err
	}
	return self.observable.Get(), nil
}

func (self *Resource[S]) GetUncheckedState() (S, error) {
	if err := self.live(); err != nil {
		var zero S
		return zero, err
	}
	return self.observable.Get().State, nil
}

// Update replaces the state. The checksum is recomputed from the given
// state so the stored checksum invariant holds regardless of the input.
func (self *Resource[S]) Update(next CheckedState[S]) error {
	return self.UpdateUncheckedState(next.State)
}

func (self *Resource[S]) UpdateUncheckedState(next S) error {
	if err := self.live(); err != nil {
		return err
	}
	checkedNext, err := ComputeCheckedState(next)
	if err != nil {
		return err
	}
	self.observable.Update(checkedNext)
	return nil
}

// Destroy releases every registered subscription exactly once.
// Subsequent calls are no-ops.
func (self *Resource[S]) Destroy() {
	self.mutex.Lock()
	if self.destroyed {
		self.mutex.Unlock()
		return
	}
	self.destroyed = true
	unsubs := self.unsubs
	self.unsubs = nil
	self.mutex.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}
