package datastore

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/diwise/gcloud-datastore/pkg/gcloud/errors"
)

type PartitionID struct {
	DatasetID string `json:"datasetId,omitempty"`
	Namespace string `json:"namespace,omitempty"`
}

// PathElement identifies one entity in a key path. An element with neither Name
// nor ID set is incomplete and is only allowed last.
type PathElement struct {
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`
	ID   int64  `json:"id,string,omitempty"`
}

func (pe PathElement) Complete() bool {
	return pe.Name != "" || pe.ID != 0
}

type Key struct {
	PartitionID *PartitionID  `json:"partitionId,omitempty"`
	Path        []PathElement `json:"path"`
}

// NewKey builds a key from path tuples of the form {kind}, {kind, name or id}
// or {kind, name, id}. An empty namespace selects the default partition.
func NewKey(namespace string, path [][]any) (*Key, error) {
	if len(path) == 0 {
		return nil, errors.NewInvalidKeyFormatError(0, "key path is empty")
	}

	k := &Key{
		Path: make([]PathElement, 0, len(path)),
	}

	if namespace != "" {
		k.PartitionID = &PartitionID{Namespace: namespace}
	}

	for idx, tuple := range path {
		pe, err := newPathElement(idx, tuple)
		if err != nil {
			return nil, err
		}

		if !pe.Complete() && idx < len(path)-1 {
			return nil, errors.NewInvalidKeyFormatError(idx, "only the last path element may be incomplete")
		}

		k.Path = append(k.Path, pe)
	}

	return k, nil
}

func newPathElement(idx int, tuple []any) (PathElement, error) {
	pe := PathElement{}

	if len(tuple) < 1 || len(tuple) > 3 {
		return pe, errors.NewInvalidKeyFormatError(idx, fmt.Sprintf("expected 1 to 3 elements, got %d", len(tuple)))
	}

	kind, ok := tuple[0].(string)
	if !ok || kind == "" {
		return pe, errors.NewInvalidKeyFormatError(idx, "kind must be a non empty string")
	}

	if isReserved(kind) {
		return pe, errors.NewInvalidKeyFormatError(idx, fmt.Sprintf("kind %q is reserved", kind))
	}

	pe.Kind = kind

	switch len(tuple) {
	case 2:
		if name, ok := tuple[1].(string); ok {
			if name == "" {
				return pe, errors.NewInvalidKeyFormatError(idx, "name must not be empty")
			}
			pe.Name = name
			return pe, nil
		}

		id, ok := toID(tuple[1])
		if !ok {
			return pe, errors.NewInvalidKeyFormatError(idx, "second element must be a name or a positive integer id")
		}
		pe.ID = id
	case 3:
		if tuple[1] != nil {
			name, ok := tuple[1].(string)
			if !ok {
				return pe, errors.NewInvalidKeyFormatError(idx, "name must be a string")
			}
			pe.Name = name
		}

		if tuple[2] != nil {
			id, ok := toID(tuple[2])
			if !ok && !isZero(tuple[2]) {
				return pe, errors.NewInvalidKeyFormatError(idx, "id must be a positive integer")
			}
			pe.ID = id
		}

		if pe.Name != "" && pe.ID != 0 {
			return pe, errors.NewInvalidKeyFormatError(idx, "name and id are mutually exclusive")
		}
	}

	return pe, nil
}

func toID(v any) (int64, bool) {
	var id int64

	switch n := v.(type) {
	case int:
		id = int64(n)
	case int32:
		id = int64(n)
	case int64:
		id = n
	case uint32:
		id = int64(n)
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		id = int64(n)
	case float64:
		if n != math.Trunc(n) || n >= math.MaxInt64 {
			return 0, false
		}
		id = int64(n)
	default:
		return 0, false
	}

	return id, id > 0
}

func isZero(v any) bool {
	switch n := v.(type) {
	case int:
		return n == 0
	case int64:
		return n == 0
	case float64:
		return n == 0
	}
	return false
}

func isReserved(name string) bool {
	return len(name) > 4 && strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__")
}

// NameKey returns a key for kind and name with an optional parent.
func NameKey(kind, name string, parent *Key) *Key {
	return childKey(parent, PathElement{Kind: kind, Name: name})
}

// IDKey returns a key for kind and id with an optional parent.
func IDKey(kind string, id int64, parent *Key) *Key {
	return childKey(parent, PathElement{Kind: kind, ID: id})
}

// IncompleteKey returns a key whose id is allocated by the service.
func IncompleteKey(kind string, parent *Key) *Key {
	return childKey(parent, PathElement{Kind: kind})
}

func childKey(parent *Key, pe PathElement) *Key {
	k := &Key{}

	if parent != nil {
		if parent.PartitionID != nil {
			p := *parent.PartitionID
			k.PartitionID = &p
		}
		k.Path = append(k.Path, parent.Path...)
	}

	k.Path = append(k.Path, pe)

	return k
}

// WithNamespace returns a copy of k in namespace ns.
func (k *Key) WithNamespace(ns string) *Key {
	c := &Key{Path: append([]PathElement{}, k.Path...)}
	if ns != "" {
		c.PartitionID = &PartitionID{Namespace: ns}
	}
	return c
}

func (k *Key) Namespace() string {
	if k.PartitionID == nil {
		return ""
	}
	return k.PartitionID.Namespace
}

func (k *Key) leaf() PathElement {
	if len(k.Path) == 0 {
		return PathElement{}
	}
	return k.Path[len(k.Path)-1]
}

func (k *Key) Kind() string { return k.leaf().Kind }
func (k *Key) Name() string { return k.leaf().Name }
func (k *Key) ID() int64    { return k.leaf().ID }

func (k *Key) Incomplete() bool {
	return !k.leaf().Complete()
}

func (k *Key) Parent() *Key {
	if len(k.Path) < 2 {
		return nil
	}

	p := &Key{Path: append([]PathElement{}, k.Path[:len(k.Path)-1]...)}
	if k.PartitionID != nil {
		pid := *k.PartitionID
		p.PartitionID = &pid
	}

	return p
}

func (k *Key) Equal(other *Key) bool {
	if k == nil || other == nil {
		return k == other
	}

	if k.Namespace() != other.Namespace() || len(k.Path) != len(other.Path) {
		return false
	}

	for i := range k.Path {
		if k.Path[i] != other.Path[i] {
			return false
		}
	}

	return true
}

func (k *Key) String() string {
	b := strings.Builder{}

	if ns := k.Namespace(); ns != "" {
		b.WriteString(ns)
		b.WriteString(":")
	}

	for i, pe := range k.Path {
		if i > 0 {
			b.WriteString("/")
		}
		b.WriteString(pe.Kind)
		b.WriteString(",")
		switch {
		case pe.Name != "":
			b.WriteString(strconv.Quote(pe.Name))
		case pe.ID != 0:
			b.WriteString(strconv.FormatInt(pe.ID, 10))
		default:
			b.WriteString("?")
		}
	}

	return b.String()
}
