package resync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// error taxonomy for the sync runtime
// remote failures are returned as errors from request-shaped operations,
// never panics. reducer panics are programming errors and propagate.
var (
	ErrRequestTimeout            = errors.New("request timeout")
	ErrChecksumMismatch          = errors.New("checksum mismatch")
	ErrInvalidResourceIdentifier = errors.New("invalid resource identifier")
	ErrStateNotSerializable      = errors.New("state not serializable")
	ErrAlreadyDestroyed          = errors.New("already destroyed")
	ErrNotConnected              = errors.New("not connected")
)

// InitActionType seeds the initial state when a resource is created
// without one. The reducer must return the initial state for it.
const InitActionType = "_init"

type ResourceType = string

type ResourceIdentifier struct {
	ResourceType ResourceType `json:"resourceType"`
	ResourceId   string       `json:"resourceId"`
}

func NewResourceIdentifier(resourceType ResourceType) ResourceIdentifier {
	return ResourceIdentifier{
		ResourceType: resourceType,
		ResourceId:   ulid.Make().String(),
	}
}

// ParseResourceIdentifier parses the canonical `type:id` form.
// The first `:` separates the type from the id, so ids may contain `:`.
// Both halves must be non-empty.
func ParseResourceIdentifier(ridStr string) (ResourceIdentifier, error) {
	i := strings.Index(ridStr, ":")
	if i <= 0 || i == len(ridStr)-1 {
		return ResourceIdentifier{}, fmt.Errorf("%w: %s", ErrInvalidResourceIdentifier, ridStr)
	}
	return ResourceIdentifier{
		ResourceType: ridStr[0:i],
		ResourceId:   ridStr[i+1:],
	}, nil
}

func RequireResourceIdentifier(ridStr string) ResourceIdentifier {
	rid, err := ParseResourceIdentifier(ridStr)
	if err != nil {
		panic(err)
	}
	return rid
}

func (self ResourceIdentifier) String() string {
	return fmt.Sprintf("%s:%s", self.ResourceType, self.ResourceId)
}

func (self ResourceIdentifier) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(self.String())
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

// accepts both wire forms, the canonical string and the object
func (self *ResourceIdentifier) UnmarshalJSON(src []byte) error {
	if 0 < len(src) && src[0] == '"' {
		var ridStr string
		if err := json.Unmarshal(src, &ridStr); err != nil {
			return err
		}
		rid, err := ParseResourceIdentifier(ridStr)
		if err != nil {
			return err
		}
		*self = rid
		return nil
	}
	type ridAlias ResourceIdentifier
	var alias ridAlias
	if err := json.Unmarshal(src, &alias); err != nil {
		return err
	}
	if alias.ResourceType == "" || alias.ResourceId == "" {
		return fmt.Errorf("%w: %s", ErrInvalidResourceIdentifier, string(src))
	}
	*self = ResourceIdentifier(alias)
	return nil
}

type Action struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// ActionOrPair is a single public action, or a private/public pair.
// The local peer applies the private half, other peers only ever see
// the public half.
type ActionOrPair struct {
	private *Action
	public  Action
}

func PublicAction(action Action) ActionOrPair {
	return ActionOrPair{
		public: action,
	}
}

func PrivateAction(privateAction Action, publicAction Action) ActionOrPair {
	return ActionOrPair{
		private: &privateAction,
		public:  publicAction,
	}
}

func (self ActionOrPair) IsPair() bool {
	return self.private != nil
}

// the action the local peer applies
func (self ActionOrPair) Local() Action {
	if self.private != nil {
		return *self.private
	}
	return self.public
}

// the action other peers see
func (self ActionOrPair) Public() Action {
	return self.public
}

// wire form: a single action object, or a `[private, public]` array
func (self ActionOrPair) MarshalJSON() ([]byte, error) {
	if self.private != nil {
		return json.Marshal([]Action{*self.private, self.public})
	}
	return json.Marshal(self.public)
}

func (self *ActionOrPair) UnmarshalJSON(src []byte) error {
	trimmed := bytes.TrimSpace(src)
	if 0 < len(trimmed) && trimmed[0] == '[' {
		var pair []Action
		if err := json.Unmarshal(src, &pair); err != nil {
			return err
		}
		if len(pair) != 2 {
			return fmt.Errorf("action pair must have exactly two elements: %d", len(pair))
		}
		*self = PrivateAction(pair[0], pair[1])
		return nil
	}
	var action Action
	if err := json.Unmarshal(src, &action); err != nil {
		return err
	}
	*self = PublicAction(action)
	return nil
}

// CheckedAction is an action with the expected post-apply checksum,
// as computed by the authoritative sender.
type CheckedAction struct {
	Action   Action `json:"action"`
	Checksum string `json:"checksum"`
}

// ReconciliatoryActions is an ordered batch of checked actions with a
// final expected checksum. Applied atomically.
type ReconciliatoryActions struct {
	Actions       []CheckedAction `json:"actions"`
	FinalChecksum string          `json:"finalChecksum"`
}
