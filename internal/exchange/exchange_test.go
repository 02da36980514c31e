package exchange

import (
	"errors"
	"sync"
	"testing"
)

func TestRelease_CompletesOnLastReference(t *testing.T) {
	ex := New(nil, []byte("hello"))
	var completed, failed int
	ex.AddOnCompletion(Callbacks{
		Complete: func(*Exchange) { completed++ },
		Failure:  func(*Exchange) { failed++ },
	})

	ex.Retain()
	ex.Release()
	if completed != 0 {
		t.Fatal("completed before last release")
	}
	ex.Release()
	<-ex.Done()
	if completed != 1 || failed != 0 {
		t.Fatalf("completed=%d failed=%d, want 1/0", completed, failed)
	}
}

func TestFail_TakesFailureBranchAndKeepsFirstError(t *testing.T) {
	ex := New(nil, nil)
	first := errors.New("first")
	ex.Fail(first)
	ex.Fail(errors.New("second"))

	var got error
	ex.AddOnCompletion(Callbacks{Failure: func(e *Exchange) { got = e.Err() }})
	ex.Release()

	if !errors.Is(got, first) {
		t.Fatalf("failure err = %v, want %v", got, first)
	}
}

func TestCallbacksRunInOrder(t *testing.T) {
	ex := New(nil, nil)
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		ex.AddOnCompletion(Callbacks{Complete: func(*Exchange) { order = append(order, i) }})
	}
	ex.Release()
	if len(order) != 3 || order[0] != 0 || order[2] != 2 {
		t.Fatalf("order = %v", order)
	}
}

func TestConcurrentRelease_FiresOnce(t *testing.T) {
	ex := New(nil, nil)
	var mu sync.Mutex
	calls := 0
	ex.AddOnCompletion(Callbacks{Complete: func(*Exchange) {
		mu.Lock()
		calls++
		mu.Unlock()
	}})

	const holders = 50
	for i := 0; i < holders; i++ {
		ex.Retain()
	}
	var wg sync.WaitGroup
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ex.Release()
		}()
	}
	wg.Wait()
	ex.Release()
	<-ex.Done()

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestStopAndProperties(t *testing.T) {
	ex := New([]byte("k"), nil)
	if ex.Stopped() {
		t.Fatal("new exchange is stopped")
	}
	ex.Stop()
	if !ex.Stopped() {
		t.Fatal("expected stopped")
	}
	ex.SetProperty("p", 7)
	if v, ok := ex.Property("p"); !ok || v.(int) != 7 {
		t.Fatalf("property = %v, %v", v, ok)
	}
	ex.SetHeader("id", "42")
	if ex.Header("id") != "42" {
		t.Fatalf("header = %q", ex.Header("id"))
	}
}
