package fault

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

var testTable = NewTable("test", 0, map[int]Entry{
	1: {ProtocolError, "unknown command"},
	2: {Misread, "overexposed"},
	3: {HardwareFailure, "lamp failure"},
	4: {NeedsCalibration, "dark calibration required"},
	5: {UserAbort, "key abort"},
})

func TestTableOKCodeIsNil(t *testing.T) {
	if err := testTable.Err(0); err != nil {
		t.Errorf("expected OK code to produce nil, got %v", err)
	}
}

func TestTableUnknownCodeMapsToOther(t *testing.T) {
	for _, code := range []int{-7, 6, 255, 1 << 20} {
		err := testTable.Err(code)
		if err == nil {
			t.Fatalf("code %d was silently discarded", code)
		}
		if k := KindOf(err); k != Other {
			t.Errorf("code %d mapped to %v, expected Other", code, k)
		}
		if c := CodeOf(err); c != code {
			t.Errorf("original code lost, expected %d got %d", code, c)
		}
	}
}

func TestTableKnownCodesKeepKindAndCode(t *testing.T) {
	for _, code := range testTable.Codes() {
		err := testTable.Err(code)
		want := testTable.Lookup(code).Kind
		if KindOf(err) != want {
			t.Errorf("code %d: expected %v got %v", code, want, KindOf(err))
		}
		if CodeOf(err) != code {
			t.Errorf("code %d not retained", code)
		}
		if !strings.Contains(err.Error(), "test") {
			t.Errorf("family missing from %q", err.Error())
		}
	}
}

func TestNewTablePanicsOnOKCode(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic when the OK code is mapped")
		}
	}()
	NewTable("bad", 0, map[int]Entry{0: {Other, "nope"}})
}

func TestKindOfWrapped(t *testing.T) {
	base := New(CommsFailure, "port vanished")
	wrapped := fmt.Errorf("init: %w", base)
	if KindOf(wrapped) != CommsFailure {
		t.Errorf("expected CommsFailure through wrapping, got %v", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != Other {
		t.Error("unclassified errors should be Other")
	}
}

func TestErrorsIsSentinel(t *testing.T) {
	err := fmt.Errorf("measure: %w", testTable.Err(5))
	if !errors.Is(err, Sentinel(UserAbort)) {
		t.Error("expected device abort code to match the UserAbort sentinel")
	}
	if errors.Is(err, Sentinel(Misread)) {
		t.Error("abort should not match Misread")
	}
}

func TestWrapKeepsExistingKind(t *testing.T) {
	inner := New(Misread, "unstable")
	out := Wrap(CommsFailure, "read", inner)
	if KindOf(out) != Misread {
		t.Errorf("Wrap overwrote an existing kind: %v", KindOf(out))
	}
	if Wrap(Other, "x", nil) != nil {
		t.Error("Wrap(nil) must be nil")
	}
}

func TestCodesOf(t *testing.T) {
	got := testTable.CodesOf(Misread)
	if len(got) != 1 || got[0] != 2 {
		t.Errorf("expected [2], got %v", got)
	}
}
