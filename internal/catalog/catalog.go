// Package catalog is the fixed table of paid tools: what each costs, which
// rate-limit class it draws from, whether it runs synchronously or as a
// job, and how its payload is shaped.
package catalog

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"
)

var ErrUnknownTool = errors.New("catalog: unknown tool")

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL = 1_000_000_000

// Mode says how a tool's handler is invoked.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// Rate-limit classes. Limits are configured per class, not per tool.
const (
	ClassPrice    = "price"
	ClassResearch = "research"
	ClassRender   = "render"
)

// Backends name the upstream capability services.
const (
	BackendPrice    = "price"
	BackendResearch = "research"
	BackendRender   = "render"
)

// ParamType is the JSON type of a payload field.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
)

// Param describes one payload field and its constraints.
type Param struct {
	Name        string    `yaml:"name" json:"name"`
	Type        ParamType `yaml:"type" json:"type"`
	Description string    `yaml:"description" json:"description,omitempty"`
	Required    bool      `yaml:"required" json:"required,omitempty"`
	Default     any       `yaml:"default" json:"default,omitempty"`
	Enum        []string  `yaml:"enum" json:"enum,omitempty"`
	MinLen      int       `yaml:"min_len" json:"minLength,omitempty"`
	MaxLen      int       `yaml:"max_len" json:"maxLength,omitempty"`
	Min         int64     `yaml:"min" json:"minimum,omitempty"`
	Max         int64     `yaml:"max" json:"maximum,omitempty"`
	URL         bool      `yaml:"url" json:"url,omitempty"` // public https URL
	Upper       bool      `yaml:"upper" json:"-"`           // upper-cased before dispatch
	PathParam   bool      `yaml:"path_param" json:"-"`      // substituted into Path
}

// Tool is an immutable catalog entry.
type Tool struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Price       uint64         `yaml:"price" json:"price"` // lamports
	Class       string         `yaml:"class" json:"class"`
	Mode        Mode           `yaml:"mode" json:"mode"`
	Backend     string         `yaml:"backend" json:"-"`
	Method      string         `yaml:"method" json:"-"`
	Path        string         `yaml:"path" json:"-"`  // may contain {param}
	Fixed       map[string]any `yaml:"fixed" json:"-"` // merged into every upstream body
	Params      []Param        `yaml:"params" json:"params"`
}

// Free reports whether the tool can be called without payment.
func (t *Tool) Free() bool { return t.Price == 0 }

// Async reports whether calls create a job.
func (t *Tool) Async() bool { return t.Mode == ModeAsync }

// PriceSOL renders the price as a decimal SOL string without float rounding.
func (t *Tool) PriceSOL() string { return FormatSOL(t.Price) }

// FormatSOL renders lamports as a decimal SOL amount, e.g. 100000 -> "0.0001".
func FormatSOL(lamports uint64) string {
	whole := lamports / LamportsPerSOL
	frac := lamports % LamportsPerSOL
	if frac == 0 {
		return strconv.FormatUint(whole, 10)
	}
	f := fmt.Sprintf("%09d", frac)
	return strconv.FormatUint(whole, 10) + "." + strings.TrimRight(f, "0")
}

// Catalog is a read-only set of tools, safe for concurrent use.
type Catalog struct {
	tools map[string]*Tool
	names []string
}

// New validates tools and builds a catalog.
func New(tools []Tool) (*Catalog, error) {
	c := &Catalog{tools: make(map[string]*Tool, len(tools))}
	for i := range tools {
		t := tools[i]
		t.Fixed = maps.Clone(t.Fixed)
		t.Params = slices.Clone(t.Params)
		for j := range t.Params {
			t.Params[j].Enum = slices.Clone(t.Params[j].Enum)
		}
		if err := checkTool(&t); err != nil {
			return nil, err
		}
		if _, dup := c.tools[t.Name]; dup {
			return nil, fmt.Errorf("catalog: duplicate tool %q", t.Name)
		}
		c.tools[t.Name] = &t
		c.names = append(c.names, t.Name)
	}
	sort.Strings(c.names)
	return c, nil
}

func checkTool(t *Tool) error {
	if t.Name == "" {
		return errors.New("catalog: tool without name")
	}
	switch t.Mode {
	case ModeSync, ModeAsync:
	case "":
		t.Mode = ModeSync
	default:
		return fmt.Errorf("catalog: tool %q: unknown mode %q", t.Name, t.Mode)
	}
	if t.Class == "" {
		return fmt.Errorf("catalog: tool %q: class is required", t.Name)
	}
	if t.Method == "" {
		t.Method = "POST"
	}
	for _, p := range t.Params {
		switch p.Type {
		case TypeString, TypeInteger, TypeBoolean:
		default:
			return fmt.Errorf("catalog: tool %q: param %q: unknown type %q", t.Name, p.Name, p.Type)
		}
		if p.PathParam && !strings.Contains(t.Path, "{"+p.Name+"}") {
			return fmt.Errorf("catalog: tool %q: path %q lacks {%s}", t.Name, t.Path, p.Name)
		}
	}
	return nil
}

// Get returns the named tool or ErrUnknownTool.
func (c *Catalog) Get(name string) (*Tool, error) {
	t, ok := c.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t, nil
}

// List returns the tools sorted by name.
func (c *Catalog) List() []*Tool {
	out := make([]*Tool, 0, len(c.names))
	for _, n := range c.names {
		out = append(out, c.tools[n])
	}
	return out
}

// Classes returns the distinct rate-limit classes in use.
func (c *Catalog) Classes() []string {
	seen := map[string]bool{}
	var out []string
	for _, n := range c.names {
		cl := c.tools[n].Class
		if !seen[cl] {
			seen[cl] = true
			out = append(out, cl)
		}
	}
	sort.Strings(out)
	return out
}
