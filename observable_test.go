package resync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestObservableUpdate(t *testing.T) {
	observable := NewObservable(0)
	assert.Equal(t, observable.Get(), 0)

	values := []int{}
	unsub := observable.OnUpdate(func(value int) {
		values = append(values, value)
	})

	observable.Update(1)
	assert.Equal(t, observable.Get(), 1)
	assert.Equal(t, values, []int{1})

	// equal values do not notify
	observable.Update(1)
	assert.Equal(t, values, []int{1})

	observable.Update(2)
	assert.Equal(t, values, []int{1, 2})

	unsub()
	observable.Update(3)
	assert.Equal(t, values, []int{1, 2})
	assert.Equal(t, observable.Get(), 3)
}

func TestObservableSubscriptionOrder(t *testing.T) {
	observable := NewObservable("")

	order := []string{}
	observable.OnUpdate(func(value string) {
		order = append(order, "first:"+value)
	})
	observable.OnUpdate(func(value string) {
		order = append(order, "second:"+value)
	})

	observable.Update("x")
	assert.Equal(t, order, []string{"first:x", "second:x"})
}

func TestObservableSubscribeDuringUpdate(t *testing.T) {
	observable := NewObservable(0)

	innerCalls := 0
	observable.OnUpdate(func(value int) {
		observable.OnUpdate(func(value int) {
			innerCalls += 1
		})
	})

	// the inner subscriber does not fire for the update that
	// registered it
	observable.Update(1)
	assert.Equal(t, innerCalls, 0)

	observable.Update(2)
	assert.Equal(t, innerCalls, 1)
}

func TestObservableCustomEquals(t *testing.T) {
	observable := NewObservableWithEquals(
		CheckedState[int]{State: 0, Checksum: "a"},
		func(a CheckedState[int], b CheckedState[int]) bool {
			return a.Checksum == b.Checksum
		},
	)

	updates := 0
	observable.OnUpdate(func(value CheckedState[int]) {
		updates += 1
	})

	observable.Update(CheckedState[int]{State: 5, Checksum: "a"})
	assert.Equal(t, updates, 0)

	observable.Update(CheckedState[int]{State: 5, Checksum: "b"})
	assert.Equal(t, updates, 1)
}
