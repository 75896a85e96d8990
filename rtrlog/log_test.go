package rtrlog

import "testing"

func TestDiscardIsANoop(t *testing.T) {
	Discard("anything %d", 1) // must not panic
}

func TestStandardReturnsUsableLogf(t *testing.T) {
	logf := Standard("test: ")
	if logf == nil {
		t.Fatal("Standard returned a nil Logf")
	}
	logf("hello %s", "world") // must not panic
}
