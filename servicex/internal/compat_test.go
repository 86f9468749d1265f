package internal

import (
	"errors"
	"reflect"
	"testing"

	"github.com/pnavarro/nova/core/log"
)

type options map[string]bool

func (o options) Bool(name string) (bool, error) {
	v, ok := o[name]
	if !ok {
		return false, errors.New("undeclared option " + name)
	}
	return v, nil
}

// withPatches swaps the patch table for recording patches and resets the
// once-per-process state.
func withPatches(t *testing.T) *[]string {
	t.Helper()
	var applied []string
	saved := Patches
	Patches = []Patch{
		{Name: "a", Option: "opt_a", Apply: func() { applied = append(applied, "a") }},
		{Name: "b", Option: "opt_b", Apply: func() { applied = append(applied, "b") }},
	}
	compat.done = false
	t.Cleanup(func() {
		Patches = saved
		compat.done = false
	})
	return &applied
}

func TestApplyCompatPatches(t *testing.T) {
	applied := withPatches(t)

	names, err := ApplyCompatPatches(options{"opt_a": true, "opt_b": false}, log.Nop{})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(names, []string{"a"}) || !reflect.DeepEqual(*applied, []string{"a"}) {
		t.Errorf("names = %v, applied = %v", names, *applied)
	}

	names, err = ApplyCompatPatches(options{"opt_a": true, "opt_b": true}, log.Nop{})
	if err != nil || names != nil {
		t.Errorf("second call = %v, %v; want nil, nil", names, err)
	}
	if len(*applied) != 1 {
		t.Errorf("patches reapplied: %v", *applied)
	}
}

func TestApplyCompatPatches_UnreadableOption(t *testing.T) {
	applied := withPatches(t)

	if _, err := ApplyCompatPatches(options{"opt_a": true}, log.Nop{}); err == nil {
		t.Fatal("expected error for missing option")
	}
	if len(*applied) != 0 {
		t.Errorf("patches applied despite error: %v", *applied)
	}

	names, err := ApplyCompatPatches(options{"opt_a": true, "opt_b": true}, log.Nop{})
	if err != nil || len(names) != 2 {
		t.Errorf("retry = %v, %v", names, err)
	}
}
