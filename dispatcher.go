package resync

// Reducer computes the next state from the current state and an action.
// It must be pure and deterministic, the master runs the same reducer
// to produce the authoritative ordering.
type Reducer[S any] func(state S, action Action) S

type DispatchedEvent[S any] struct {
	Action ActionOrPair
	Next   CheckedState[S]
	Prev   CheckedState[S]
}

type DispatchedFunction[S any] func(event DispatchedEvent[S])

// Dispatcher binds a reducer to an observable of checked state and turns
// incoming actions into state updates plus a dispatched event. The event
// preserves the pair shape so the outer binding can transmit the public
// half only.
type Dispatcher[S any] struct {
	observable         *Observable[CheckedState[S]]
	reducer            Reducer[S]
	dispatchedCallback DispatchedFunction[S]
}

func NewDispatcher[S any](
	observable *Observable[CheckedState[S]],
	reducer Reducer[S],
	dispatchedCallback DispatchedFunction[S],
) *Dispatcher[S] {
	return &Dispatcher[S]{
		observable:         observable,
		reducer:            reducer,
		dispatchedCallback: dispatchedCallback,
	}
}

// Dispatch is synchronous. Local subscribers observe the new state
// before the dispatched event fires. Reducer panics propagate to the
// caller.
func (self *Dispatcher[S]) Dispatch(actionOrPair ActionOrPair) error {
	prev := self.observable.Get()
	next := self.reducer(prev.State, actionOrPair.Local())
	checkedNext, err := ComputeCheckedState(next)
	if err != nil {
		return err
	}
	self.observable.Update(checkedNext)
	if self.dispatchedCallback != nil {
		self.dispatchedCallback(DispatchedEvent[S]{
			Action: actionOrPair,
			Next:   checkedNext,
			Prev:   prev,
		})
	}
	return nil
}
