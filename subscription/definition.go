package subscription

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/maxpert/ripple/changelog"
)

// OperationMask is a set of operations a definition listens to
type OperationMask uint8

const (
	MaskCreate OperationMask = 1 << iota
	MaskUpdate
	MaskDelete

	MaskAll = MaskCreate | MaskUpdate | MaskDelete
)

func maskFor(op changelog.Operation) OperationMask {
	switch op {
	case changelog.OpCreate:
		return MaskCreate
	case changelog.OpUpdate:
		return MaskUpdate
	case changelog.OpDelete:
		return MaskDelete
	}
	return 0
}

// MaskOf builds a mask from operations
func MaskOf(ops ...changelog.Operation) OperationMask {
	var m OperationMask
	for _, op := range ops {
		m |= maskFor(op)
	}
	return m
}

func (m OperationMask) Includes(op changelog.Operation) bool {
	return m&maskFor(op) != 0
}

func (m OperationMask) MarshalJSON() ([]byte, error) {
	var names []string
	for _, op := range []changelog.Operation{changelog.OpCreate, changelog.OpUpdate, changelog.OpDelete} {
		if m.Includes(op) {
			names = append(names, op.String())
		}
	}
	return json.Marshal(names)
}

// UnmarshalJSON accepts a list of operation names; an empty list means all
func (m *OperationMask) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}

	*m = 0
	for _, name := range names {
		op, err := changelog.ParseOperation(name)
		if err != nil {
			return err
		}
		*m |= maskFor(op)
	}
	return nil
}

// AuthRequirement is what a subscriber must present to bind a definition.
// RowFilter is evaluated per record with the subscriber's auth context.
type AuthRequirement struct {
	Authenticated bool     `json:"authenticated,omitempty"`
	Roles         []string `json:"roles,omitempty"` // any of
	RowFilter     *Expr    `json:"row_filter,omitempty"`
}

// AuthContext is a resolved, already verified identity
type AuthContext struct {
	Subject string         `json:"subject,omitempty"`
	Roles   []string       `json:"roles,omitempty"`
	Claims  map[string]any `json:"claims,omitempty"`
}

func (a AuthContext) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// claim resolves auth.<path>: subject, roles, or a dotted claim path
func (a AuthContext) claim(path string) (any, bool) {
	switch path {
	case "subject", "sub":
		return a.Subject, a.Subject != ""
	case "roles":
		roles := make([]any, len(a.Roles))
		for i, r := range a.Roles {
			roles[i] = r
		}
		return roles, true
	}
	return changelog.Snapshot(a.Claims).Lookup(path)
}

// authorize enforces the static part of a requirement at subscribe time
func (r AuthRequirement) authorize(auth AuthContext) error {
	if (r.Authenticated || len(r.Roles) > 0) && auth.Subject == "" {
		return Errorf(CodeUnauthenticated, "authentication required")
	}
	if len(r.Roles) == 0 {
		return nil
	}
	for _, role := range r.Roles {
		if auth.HasRole(role) {
			return nil
		}
	}
	return Errorf(CodeForbidden, "requires one of roles %s", strings.Join(r.Roles, ", "))
}

// Definition is a compiled subscription, produced outside this process
type Definition struct {
	Name       string          `json:"name"`
	EntityType string          `json:"entity_type"`
	Operations OperationMask   `json:"operations"`
	Filter     *Expr           `json:"filter,omitempty"`
	Projection []string        `json:"projection,omitempty"`
	Auth       AuthRequirement `json:"auth"`
}

func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("definition name is required")
	}
	if d.EntityType == "" {
		return fmt.Errorf("definition %s: entity type is required", d.Name)
	}
	if d.Filter != nil {
		if err := d.Filter.Validate(); err != nil {
			return fmt.Errorf("definition %s: filter: %w", d.Name, err)
		}
	}
	if d.Auth.RowFilter != nil {
		if err := d.Auth.RowFilter.Validate(); err != nil {
			return fmt.Errorf("definition %s: row filter: %w", d.Name, err)
		}
	}
	return nil
}

// Catalog is an immutable index of definitions by name
type Catalog struct {
	defs  map[string]*Definition
	names []string
}

// NewCatalog validates definitions and indexes them. A definition with no
// operations listens to all of them.
func NewCatalog(defs ...*Definition) (*Catalog, error) {
	c := &Catalog{defs: make(map[string]*Definition, len(defs))}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.defs[d.Name]; dup {
			return nil, fmt.Errorf("duplicate definition %s", d.Name)
		}
		if d.Operations == 0 {
			d.Operations = MaskAll
		}
		c.defs[d.Name] = d
		c.names = append(c.names, d.Name)
	}
	sort.Strings(c.names)
	return c, nil
}

type catalogFile struct {
	Subscriptions []*Definition `json:"subscriptions"`
}

// LoadCatalog reads the compiled definitions file
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read subscription definitions: %w", err)
	}

	var f catalogFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse subscription definitions %s: %w", path, err)
	}
	return NewCatalog(f.Subscriptions...)
}

func (c *Catalog) Get(name string) (*Definition, bool) {
	d, ok := c.defs[name]
	return d, ok
}

// Definitions returns all definitions sorted by name
func (c *Catalog) Definitions() []*Definition {
	out := make([]*Definition, 0, len(c.names))
	for _, n := range c.names {
		out = append(out, c.defs[n])
	}
	return out
}

func (c *Catalog) Len() int {
	return len(c.defs)
}
