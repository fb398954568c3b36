package scope

import (
	"reflect"
	"testing"

	"github.com/agentgate/agentgate/errors"
)

func testDefs() []Definition {
	return []Definition{
		{Name: "tickets:admin", Category: "tickets", Sensitive: true, Implies: []string{"tickets:write"}},
		{Name: "tickets:write", Category: "tickets", Implies: []string{"tickets:read"}},
		{Name: "tickets:read", Category: "tickets"},
		{Name: "billing:read", Category: "billing", Sensitive: true},
	}
}

func TestExpandTransitiveClosure(t *testing.T) {
	c, err := NewCatalog(testDefs())
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}

	got, err := c.Expand([]string{"tickets:admin"})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	want := []string{"tickets:admin", "tickets:read", "tickets:write"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expand = %v, want %v", got, want)
	}
}

func TestExpandUnknownScope(t *testing.T) {
	c, err := NewCatalog(testDefs())
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	if _, err := c.Expand([]string{"tickets:read", "nope"}); !errors.Is(err, errors.ErrUnknownScope) {
		t.Errorf("Expand unknown = %v, want ErrUnknownScope", err)
	}
}

func TestNewCatalogRejectsCycle(t *testing.T) {
	defs := []Definition{
		{Name: "a", Implies: []string{"b"}},
		{Name: "b", Implies: []string{"c"}},
		{Name: "c", Implies: []string{"a"}},
	}
	if _, err := NewCatalog(defs); err == nil {
		t.Fatal("NewCatalog accepted a cyclic implies relation")
	}
}

func TestNewCatalogRejectsDuplicateAndUnknownImplies(t *testing.T) {
	if _, err := NewCatalog([]Definition{{Name: "a"}, {Name: "a"}}); err == nil {
		t.Error("NewCatalog accepted duplicate scope")
	}
	if _, err := NewCatalog([]Definition{{Name: "a", Implies: []string{"ghost"}}}); err == nil {
		t.Error("NewCatalog accepted implies to unknown scope")
	}
}

func TestIsSubsetThroughImplication(t *testing.T) {
	c, err := NewCatalog(testDefs())
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}

	// tickets:read is implied by tickets:admin, so it is inside the set
	ok, err := c.IsSubset([]string{"tickets:read"}, []string{"tickets:admin"})
	if err != nil || !ok {
		t.Errorf("IsSubset(read, admin) = %v, %v; want true", ok, err)
	}

	// billing:read is not reachable from tickets:admin
	ok, err = c.IsSubset([]string{"billing:read"}, []string{"tickets:admin"})
	if err != nil || ok {
		t.Errorf("IsSubset(billing, admin) = %v, %v; want false", ok, err)
	}

	// equality counts as subset
	ok, err = c.IsSubset([]string{"tickets:write"}, []string{"tickets:write"})
	if err != nil || !ok {
		t.Errorf("IsSubset(write, write) = %v, %v; want true", ok, err)
	}
}

func TestNamesSorted(t *testing.T) {
	c, err := NewCatalog(testDefs())
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	want := []string{"billing:read", "tickets:admin", "tickets:read", "tickets:write"}
	if got := c.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names = %v, want %v", got, want)
	}
}
