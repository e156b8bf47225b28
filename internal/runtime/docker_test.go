package runtime

import "testing"

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"MyProject":      "myproject",
		"my_project 123": "my-project-123",
		"---":            "project",
		"":                "project",
		"a--b":           "a-b",
		"-lead-trail-":   "lead-trail",
	}
	for in, want := range cases {
		if got := sanitize(in); got != want {
			t.Errorf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestReserveBranchTruncates(t *testing.T) {
	d := &Docker{}
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	name := d.ReserveBranch(string(long), "b")
	if len(name) > 128 {
		t.Fatalf("reserved name too long: %d", len(name))
	}
	if name[len(name)-1] == '-' {
		t.Fatalf("reserved name has trailing dash: %q", name)
	}
}

func TestReserveBranchDeterministic(t *testing.T) {
	d := &Docker{}
	a := d.ReserveBranch("proj", "main")
	b := d.ReserveBranch("proj", "main")
	if a != b {
		t.Fatalf("expected deterministic name, got %q and %q", a, b)
	}
	if a != "pgbranch-proj-main" {
		t.Fatalf("unexpected name: %q", a)
	}
}
