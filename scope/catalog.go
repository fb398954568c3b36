package scope

import (
	"fmt"
	"sort"

	"github.com/agentgate/agentgate/errors"
)

// Definition describes one permission string in the catalog.
type Definition struct {
	Name      string   `koanf:"name" json:"name"`
	Category  string   `koanf:"category" json:"category"`
	Sensitive bool     `koanf:"sensitive" json:"sensitive"`
	// Implies lists scopes granted automatically whenever this scope is
	// granted. The relation must be cycle-free across the catalog.
	Implies []string `koanf:"implies" json:"implies,omitempty"`
}

// Catalog is the immutable registry of permission strings and their
// implied-scope expansion rules. Build it once at load time; all methods
// are safe for concurrent use.
type Catalog struct {
	defs map[string]Definition
}

// NewCatalog validates the definitions and builds a catalog. Unknown names
// in an Implies list and implication cycles are configuration errors and
// are rejected here, not at request time.
func NewCatalog(defs []Definition) (*Catalog, error) {
	c := &Catalog{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("scope: empty scope name")
		}
		if _, dup := c.defs[d.Name]; dup {
			return nil, fmt.Errorf("scope: duplicate scope %q", d.Name)
		}
		c.defs[d.Name] = d
	}
	for _, d := range c.defs {
		for _, imp := range d.Implies {
			if _, ok := c.defs[imp]; !ok {
				return nil, fmt.Errorf("scope: %q implies unknown scope %q", d.Name, imp)
			}
		}
	}
	if cyc := c.findCycle(); cyc != "" {
		return nil, fmt.Errorf("scope: implication cycle through %q", cyc)
	}
	return c, nil
}

// findCycle runs a colored DFS over the implies relation and returns a
// scope on a cycle, or "".
func (c *Catalog) findCycle() string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(c.defs))
	var visit func(name string) string
	visit = func(name string) string {
		color[name] = gray
		for _, imp := range c.defs[name].Implies {
			switch color[imp] {
			case gray:
				return imp
			case white:
				if hit := visit(imp); hit != "" {
					return hit
				}
			}
		}
		color[name] = black
		return ""
	}
	// iterate in stable order so error messages are deterministic
	names := make([]string, 0, len(c.defs))
	for n := range c.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if color[n] == white {
			if hit := visit(n); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// Lookup returns the definition for a scope name.
func (c *Catalog) Lookup(name string) (Definition, bool) {
	d, ok := c.defs[name]
	return d, ok
}

// Names returns all registered scope names in sorted order.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.defs))
	for n := range c.defs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Expand returns the requested scopes plus the transitive closure of every
// scope they imply, sorted and de-duplicated. An unregistered scope name
// yields ErrUnknownScope.
func (c *Catalog) Expand(requested []string) ([]string, error) {
	seen := make(map[string]struct{}, len(requested))
	stack := make([]string, 0, len(requested))
	for _, name := range requested {
		if _, ok := c.defs[name]; !ok {
			return nil, fmt.Errorf("%w: %s", errors.ErrUnknownScope, name)
		}
		stack = append(stack, name)
	}
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, done := seen[name]; done {
			continue
		}
		seen[name] = struct{}{}
		stack = append(stack, c.defs[name].Implies...)
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// IsSubset reports whether the child scope set is contained in the parent
// set after independently expanding both sides, so a child scope implied
// by an expanded parent scope still validates.
func (c *Catalog) IsSubset(child, parent []string) (bool, error) {
	ec, err := c.Expand(child)
	if err != nil {
		return false, err
	}
	ep, err := c.Expand(parent)
	if err != nil {
		return false, err
	}
	have := make(map[string]struct{}, len(ep))
	for _, s := range ep {
		have[s] = struct{}{}
	}
	for _, s := range ec {
		if _, ok := have[s]; !ok {
			return false, nil
		}
	}
	return true, nil
}
