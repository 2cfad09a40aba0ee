package catalogue

import (
	"testing"
	"time"
)

func TestAdd_KeepsSortedByName(t *testing.T) {
	c := New()
	c.Add(&Entry{Name: "zeta"})
	c.Add(&Entry{Name: "alpha"})
	c.Add(&Entry{Name: "mid"})

	got := make([]string, 0, c.Len())
	for _, e := range c.All() {
		got = append(got, e.Name)
	}
	want := []string{"alpha", "mid", "zeta"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestRemoveAll_SideListPattern(t *testing.T) {
	c := New()
	a := &Entry{Name: "a"}
	b := &Entry{Name: "b"}
	d := &Entry{Name: "d"}
	c.Add(a)
	c.Add(b)
	c.Add(d)

	var dead []*Entry
	for _, e := range c.All() {
		if e.Name == "b" {
			dead = append(dead, e)
		}
	}
	c.RemoveAll(dead)

	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	if c.FindByName("b") != nil {
		t.Fatal("expected b removed")
	}
}

func TestFindByIdentity_CaseInsensitive(t *testing.T) {
	c := New()
	e := &Entry{Name: "hplj", ServiceName: "HPLJ", ServiceType: "_ipp._tcp", ServiceDomain: "local"}
	c.Add(e)

	got := c.FindByIdentity("hplj", "_IPP._TCP", "LOCAL")
	if got != e {
		t.Fatal("expected case-insensitive identity match")
	}
}

func TestFindForIntake_MatchesHostOrUnconfirmedOrDisappeared(t *testing.T) {
	c := New()
	confirmedOther := &Entry{Name: "hplj", Host: "other", Status: StatusConfirmed}
	c.Add(confirmedOther)

	if got := c.FindForIntake("hplj", "printer"); got != nil {
		t.Fatalf("expected no match for confirmed entry on a different host, got %+v", got)
	}

	confirmedOther.Status = StatusUnconfirmed
	if got := c.FindForIntake("hplj", "printer"); got != confirmedOther {
		t.Fatal("expected match via UNCONFIRMED status regardless of host")
	}
}

func TestMinDeadline_IgnoresZeroValues(t *testing.T) {
	c := New()
	now := time.Now()
	c.Add(&Entry{Name: "a"}) // no deadline
	c.Add(&Entry{Name: "b", Deadline: now.Add(10 * time.Second)})
	c.Add(&Entry{Name: "c", Deadline: now.Add(2 * time.Second)})

	min, ok := c.MinDeadline()
	if !ok {
		t.Fatal("expected a deadline to be found")
	}
	if !min.Equal(now.Add(2 * time.Second)) {
		t.Fatalf("min = %v, want now+2s", min)
	}
}

func TestOnlyConfirmed(t *testing.T) {
	c := New()
	c.Add(&Entry{Name: "a", Status: StatusConfirmed})
	if !c.OnlyConfirmed() {
		t.Fatal("expected OnlyConfirmed true")
	}
	c.Add(&Entry{Name: "b", Status: StatusToBeCreated})
	if c.OnlyConfirmed() {
		t.Fatal("expected OnlyConfirmed false")
	}
}

func TestDeadlinePassed(t *testing.T) {
	now := time.Now()
	e := &Entry{Deadline: now.Add(-time.Second)}
	if !e.DeadlinePassed(now) {
		t.Fatal("expected past deadline to have passed")
	}
	e.Deadline = now.Add(time.Second)
	if e.DeadlinePassed(now) {
		t.Fatal("expected future deadline to not have passed")
	}
	e.Deadline = time.Time{}
	if e.DeadlinePassed(now) {
		t.Fatal("expected zero deadline to never pass")
	}
}

func TestFindPrimaryByName_SkipsDuplicates(t *testing.T) {
	c := New()
	c.Add(&Entry{Name: "hplj", Host: "a", Duplicate: false})
	c.Add(&Entry{Name: "hplj", Host: "b", Duplicate: true})

	primary := c.FindPrimaryByName("hplj")
	if primary == nil || primary.Host != "a" {
		t.Fatalf("expected primary on host a, got %+v", primary)
	}
}
