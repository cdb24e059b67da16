package resync

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// The checksum is computed over the canonical json serialization of the
// state. encoding/json writes map keys in sorted order and struct fields
// in declaration order, so peers running the same reducer over the same
// state produce byte-identical serializations. xxhash64 over those bytes
// gives 64 bits of entropy, rendered as 16 hex digits.
//
// The same function runs on the client and the master.

func canonicalJson(state any) ([]byte, error) {
	stateJson, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateNotSerializable, err)
	}
	return stateJson, nil
}

func ComputeChecksum(state any) (string, error) {
	stateJson, err := canonicalJson(state)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(stateJson)), nil
}

type CheckedState[S any] struct {
	State    S      `json:"state"`
	Checksum string `json:"checksum"`
}

func ComputeCheckedState[S any](state S) (CheckedState[S], error) {
	checksum, err := ComputeChecksum(state)
	if err != nil {
		return CheckedState[S]{}, err
	}
	return CheckedState[S]{
		State:    state,
		Checksum: checksum,
	}, nil
}

func RequireCheckedState[S any](state S) CheckedState[S] {
	checkedState, err := ComputeCheckedState(state)
	if err != nil {
		panic(err)
	}
	return checkedState
}
