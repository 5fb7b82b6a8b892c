package console

import (
	"fmt"
	"sync"
	"testing"
)

func TestBuffer_AppendAndTail(t *testing.T) {
	b := NewBuffer(5)
	for i := 0; i < 3; i++ {
		b.Append(Line{Text: fmt.Sprintf("l%d", i), Stream: "stdout"})
	}
	if b.Len() != 3 {
		t.Fatalf("len = %d, want 3", b.Len())
	}
	got := b.Tail(2)
	if len(got) != 2 || got[0].Text != "l1" || got[1].Text != "l2" {
		t.Fatalf("tail(2) = %+v", got)
	}
	// Tail larger than retained returns everything.
	if all := b.Tail(100); len(all) != 3 || all[0].Text != "l0" {
		t.Fatalf("tail(100) = %+v", all)
	}
}

func TestBuffer_WrapEvictsOldest(t *testing.T) {
	b := NewBuffer(4)
	for i := 0; i < 10; i++ {
		b.Append(Line{Text: fmt.Sprintf("l%d", i)})
	}
	if b.Len() != 4 {
		t.Fatalf("len = %d, want 4", b.Len())
	}
	got := b.Tail(0)
	for i, l := range got {
		want := fmt.Sprintf("l%d", 6+i)
		if l.Text != want {
			t.Fatalf("tail[%d] = %q, want %q", i, l.Text, want)
		}
	}
}

func TestBuffer_Clear(t *testing.T) {
	b := NewBuffer(4)
	b.Append(Line{Text: "x"})
	b.Clear()
	if b.Len() != 0 || len(b.Tail(0)) != 0 {
		t.Fatalf("clear did not empty buffer")
	}
}

func TestBuffer_DefaultCapacity(t *testing.T) {
	b := NewBuffer(0)
	if cap := len(b.lines); cap != DefaultCapacity {
		t.Fatalf("capacity = %d, want %d", cap, DefaultCapacity)
	}
}

func TestBuffer_ConcurrentAppend(t *testing.T) {
	b := NewBuffer(64)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Append(Line{Text: "x"})
			}
		}()
	}
	wg.Wait()
	if b.Len() != 64 {
		t.Fatalf("len = %d, want full ring 64", b.Len())
	}
}
