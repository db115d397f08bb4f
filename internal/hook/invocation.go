package hook

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// MaxHookNameLen bounds the byte length of a hook name after normalization.
const MaxHookNameLen = 255

// ClientID identifies a client. Negative values are sentinels meaning
// "assign me one" when passed to Connect; they are also valid as the client
// field of an Invocation, where they simply form part of the key.
type ClientID int32

// AutoID is the conventional sentinel for an auto-assigned client id.
const AutoID ClientID = -1

// IsAuto reports whether id asks the coordinator to pick an id.
func (id ClientID) IsAuto() bool {
	return id < 0
}

// Invocation identifies one synchronization event: a hook name, the client
// the event belongs to, and a sequence number distinguishing repeated passes
// through the same hook.
//
// Invocation is immutable by convention and compared structurally.
type Invocation struct {
	Hook   string   `json:"hook" yaml:"hook"`
	Client ClientID `json:"client" yaml:"client"`
	Seq    uint32   `json:"seq" yaml:"seq"`
}

var (
	// ErrEmptyHook is returned for an invocation without a hook name.
	ErrEmptyHook = errors.New("hook name is empty")

	// ErrHookTooLong is returned when a hook name exceeds MaxHookNameLen bytes.
	ErrHookTooLong = fmt.Errorf("hook name exceeds %d bytes", MaxHookNameLen)

	// ErrInvalidHook is returned for a hook name that is not valid UTF-8.
	ErrInvalidHook = errors.New("hook name is not valid UTF-8")
)

// NewInvocation builds a validated Invocation with an NFC-normalized name.
func NewInvocation(name string, client ClientID, seq uint32) (Invocation, error) {
	if !utf8.ValidString(name) {
		return Invocation{}, ErrInvalidHook
	}
	inv := Invocation{Hook: norm.NFC.String(name), Client: client, Seq: seq}
	if err := inv.Validate(); err != nil {
		return Invocation{}, err
	}
	return inv, nil
}

// MustInvocation is NewInvocation for literals in tests and schedules built in code.
// Panics on an invalid name.
func MustInvocation(name string, client ClientID, seq uint32) Invocation {
	inv, err := NewInvocation(name, client, seq)
	if err != nil {
		panic(err)
	}
	return inv
}

// Validate checks the hook name constraints.
func (i Invocation) Validate() error {
	if i.Hook == "" {
		return ErrEmptyHook
	}
	if len(i.Hook) > MaxHookNameLen {
		return ErrHookTooLong
	}
	if !utf8.ValidString(i.Hook) {
		return ErrInvalidHook
	}
	return nil
}

// Normalized returns a copy with the hook name in NFC form.
// Used at decoding boundaries where the value did not go through NewInvocation.
func (i Invocation) Normalized() Invocation {
	i.Hook = norm.NFC.String(i.Hook)
	return i
}

// String renders the invocation as "name/client/seq".
func (i Invocation) String() string {
	return fmt.Sprintf("%s/%d/%d", i.Hook, i.Client, i.Seq)
}

// ParseInvocation parses the "name/client/seq" form produced by String.
// The hook name may itself contain slashes; the last two fields are numeric.
func ParseInvocation(s string) (Invocation, error) {
	last := strings.LastIndex(s, "/")
	if last < 0 {
		return Invocation{}, fmt.Errorf("parse invocation %q: want name/client/seq", s)
	}
	mid := strings.LastIndex(s[:last], "/")
	if mid < 0 {
		return Invocation{}, fmt.Errorf("parse invocation %q: want name/client/seq", s)
	}
	client, err := strconv.ParseInt(s[mid+1:last], 10, 32)
	if err != nil {
		return Invocation{}, fmt.Errorf("parse invocation %q: client: %w", s, err)
	}
	seq, err := strconv.ParseUint(s[last+1:], 10, 32)
	if err != nil {
		return Invocation{}, fmt.Errorf("parse invocation %q: seq: %w", s, err)
	}
	inv, err := NewInvocation(s[:mid], ClientID(client), uint32(seq))
	if err != nil {
		return Invocation{}, fmt.Errorf("parse invocation %q: %w", s, err)
	}
	return inv, nil
}

// UnmarshalYAML accepts either the short sequence form [name, client, seq]
// or the mapping form {hook, client, seq}.
func (i *Invocation) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		if len(node.Content) != 3 {
			return fmt.Errorf("line %d: invocation needs exactly 3 elements, got %d", node.Line, len(node.Content))
		}
		var (
			name   string
			client int32
			seq    uint32
		)
		if err := node.Content[0].Decode(&name); err != nil {
			return fmt.Errorf("line %d: hook: %w", node.Line, err)
		}
		if err := node.Content[1].Decode(&client); err != nil {
			return fmt.Errorf("line %d: client: %w", node.Line, err)
		}
		if err := node.Content[2].Decode(&seq); err != nil {
			return fmt.Errorf("line %d: seq: %w", node.Line, err)
		}
		inv, err := NewInvocation(name, ClientID(client), seq)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*i = inv
		return nil

	case yaml.MappingNode:
		type plain Invocation
		var p plain
		if err := node.Decode(&p); err != nil {
			return err
		}
		inv, err := NewInvocation(p.Hook, p.Client, p.Seq)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*i = inv
		return nil

	case yaml.ScalarNode:
		inv, err := ParseInvocation(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*i = inv
		return nil
	}
	return fmt.Errorf("line %d: unsupported invocation syntax", node.Line)
}

// MarshalYAML emits the short sequence form.
func (i Invocation) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
	node.Content = []*yaml.Node{
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: i.Hook},
		{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatInt(int64(i.Client), 10)},
		{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatUint(uint64(i.Seq), 10)},
	}
	return node, nil
}
