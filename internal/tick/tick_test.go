package tick

import "testing"

func TestMinIgnoresNullFrame(t *testing.T) {
	if got := Min(NullFrame, 4); got != 4 {
		t.Fatalf("expected 4, got %d", got)
	}
	if got := Min(7, NullFrame); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
	if got := Min(7, 3); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
	if got := Min(NullFrame, NullFrame); !got.IsNull() {
		t.Fatalf("expected null frame, got %d", got)
	}
}

func TestPlayerHandleValid(t *testing.T) {
	if !PlayerHandle(1).Valid(2) {
		t.Fatalf("expected handle 1 to be valid for two players")
	}
	if PlayerHandle(2).Valid(2) || PlayerHandle(-1).Valid(2) {
		t.Fatalf("expected out of range handles to be invalid")
	}
}
