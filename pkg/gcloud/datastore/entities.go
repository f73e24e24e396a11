package datastore

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/diwise/gcloud-datastore/pkg/gcloud/errors"
)

type Entity struct {
	Key        *Key             `json:"key,omitempty"`
	Properties map[string]Value `json:"properties,omitempty"`
}

type EntityDecoratorFunc func(e *Entity) error

func NewEntity(key *Key, decorators ...EntityDecoratorFunc) (*Entity, error) {
	e := &Entity{
		Key:        key,
		Properties: map[string]Value{},
	}

	for _, decorator := range decorators {
		if err := decorator(e); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// NewEntityFromMap encodes every value in props.
func NewEntityFromMap(key *Key, props map[string]any) (*Entity, error) {
	e := &Entity{
		Key:        key,
		Properties: make(map[string]Value, len(props)),
	}

	for name, value := range props {
		if err := P(name, value)(e); err != nil {
			return nil, err
		}
	}

	return e, nil
}

func NewEntityFromJSON(body []byte) (*Entity, error) {
	e := &Entity{}

	err := json.Unmarshal(body, e)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity: %w", err)
	}

	if e.Properties == nil {
		e.Properties = map[string]Value{}
	}

	return e, nil
}

// Values decodes all properties into their native form.
func (e *Entity) Values() map[string]any {
	values := make(map[string]any, len(e.Properties))
	for name, v := range e.Properties {
		values[name] = Decode(v)
	}
	return values
}

func (e *Entity) Get(name string) (any, bool) {
	v, ok := e.Properties[name]
	if !ok {
		return nil, false
	}
	return Decode(v), true
}

// PropertyNames returns the property names in lexical order.
func (e *Entity) PropertyNames() []string {
	names := make([]string, 0, len(e.Properties))
	for name := range e.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// P sets property name to the encoded form of value.
func P(name string, value any) EntityDecoratorFunc {
	return func(e *Entity) error {
		if name == "" {
			return errors.NewUnsupportedValueError("property name must not be empty")
		}

		if isReserved(name) {
			return errors.NewUnsupportedValueError(fmt.Sprintf("property name %q is reserved", name))
		}

		v, err := Encode(value)
		if err != nil {
			return fmt.Errorf("property %s: %w", name, err)
		}

		if e.Properties == nil {
			e.Properties = map[string]Value{}
		}
		e.Properties[name] = v

		return nil
	}
}

// Unindexed sets property name and excludes it from indexes.
func Unindexed(name string, value any) EntityDecoratorFunc {
	return func(e *Entity) error {
		if err := P(name, value)(e); err != nil {
			return err
		}
		e.Properties[name] = e.Properties[name].Unindexed()
		return nil
	}
}

func Text(name, value string) EntityDecoratorFunc {
	return P(name, StringValue(value))
}

func Integer(name string, value int64) EntityDecoratorFunc {
	return P(name, IntegerValue(value))
}

// Number always stores value as a double, even when it is whole.
func Number(name string, value float64) EntityDecoratorFunc {
	return P(name, DoubleValue(value))
}

func Boolean(name string, value bool) EntityDecoratorFunc {
	return P(name, BooleanValue(value))
}

func Timestamp(name string, value time.Time) EntityDecoratorFunc {
	return P(name, DateTimeValue(value))
}

func Reference(name string, key *Key) EntityDecoratorFunc {
	return P(name, KeyValue(key))
}
