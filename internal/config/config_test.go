package config

import "testing"

func TestSubscribedWithNoTagSets(t *testing.T) {
	c := &Config{}
	if !c.Subscribed("can") {
		t.Error("expected every tag subscribed when AllowTags/BlockTags are empty")
	}
}

func TestSubscribedRespectsBlockTags(t *testing.T) {
	c := &Config{BlockTags: []string{"can"}}
	if c.Subscribed("can") {
		t.Error("expected blocked tag to be rejected")
	}
	if !c.Subscribed("controlsState") {
		t.Error("expected non-blocked tag to be allowed")
	}
}

func TestSubscribedRespectsAllowTags(t *testing.T) {
	c := &Config{AllowTags: []string{"can"}}
	if !c.Subscribed("can") {
		t.Error("expected allow-listed tag to be allowed")
	}
	if c.Subscribed("controlsState") {
		t.Error("expected non-allow-listed tag to be rejected when AllowTags is set")
	}
}

func TestBlockTagsTakePrecedenceOverAllowTags(t *testing.T) {
	c := &Config{AllowTags: []string{"can"}, BlockTags: []string{"can"}}
	if c.Subscribed("can") {
		t.Error("expected block tags to win over an overlapping allow tag")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList("a,b,,c")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestSplitListEmpty(t *testing.T) {
	if got := splitList(""); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
}
