package session

import "testing"

func intList() *OrderedList[int] {
	return NewOrderedList(
		func(a, b int) bool { return a < b },
		func(a, b int) bool { return a == b },
	)
}

func TestOrderedListInsertSorts(t *testing.T) {
	l := intList()
	for _, v := range []int{5, 1, 3, 2, 4} {
		l.Insert(v)
	}
	want := []int{1, 2, 3, 4, 5}
	got := l.All()
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("All() = %v, want %v", got, want)
		}
	}
}

func TestOrderedListInsertIdempotent(t *testing.T) {
	l := intList()
	l.Insert(2)
	l.Insert(2)
	l.Insert(2)
	if l.Len() != 1 {
		t.Fatalf("len = %d after duplicate inserts, want 1", l.Len())
	}
}

func TestOrderedListFindRemove(t *testing.T) {
	l := intList()
	for _, v := range []int{1, 2, 3} {
		l.Insert(v)
	}
	if v, ok := l.Find(2); !ok || v != 2 {
		t.Fatalf("Find(2) = %v, %v", v, ok)
	}
	l.Remove(2)
	if _, ok := l.Find(2); ok {
		t.Fatalf("found removed element")
	}
	l.Remove(99) // absent: no-op
	if l.Len() != 2 {
		t.Fatalf("len = %d, want 2", l.Len())
	}
}

func TestOrderedListRemoveWhere(t *testing.T) {
	l := intList()
	for v := 1; v <= 6; v++ {
		l.Insert(v)
	}
	l.RemoveWhere(func(v int) bool { return v%2 == 0 })
	if l.Len() != 3 {
		t.Fatalf("len = %d, want 3", l.Len())
	}
	l.ForEach(func(v int) {
		if v%2 == 0 {
			t.Fatalf("even element %d survived RemoveWhere", v)
		}
	})
}
