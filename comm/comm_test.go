package comm

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nasa-jpl/colorlab/fault"
)

const (
	ack = byte(0x06)
	nak = byte(0x15)
)

type testDialect struct{}

func (testDialect) Family() string { return "test" }

func (testDialect) Frame(cmd Command) []byte { return []byte(cmd.Text + "\r") }

func (testDialect) Extract(body []byte, term byte) ([]byte, int, bool, error) {
	if term != nak {
		return body, 0, false, nil
	}
	if len(body) < 2 || body[0] != 'E' {
		return nil, 0, false, errors.New("NAK without error code")
	}
	n, err := strconv.Atoi(string(body[1:]))
	if err != nil {
		return nil, 0, false, err
	}
	return nil, n, true, nil
}

func (testDialect) ClearError() (Command, bool) {
	return Command{Text: "CLS", Terms: []byte{ack, nak}}, true
}

func (testDialect) MinGap() time.Duration { return 0 }

var testTable = fault.NewTable("test", 0, map[int]fault.Entry{
	4: {Kind: fault.Misread, Desc: "underexposed"},
	9: {Kind: fault.HardwareFailure, Desc: "lamp failure"},
})

func connected(t *testing.T, h Handler) (*Engine, *MockLink) {
	t.Helper()
	m := NewMockLink(h)
	e := NewEngine(m, testDialect{}, testTable)
	if err := e.Connect(); err != nil {
		t.Fatal(err)
	}
	return e, m
}

func TestIdentifyReplyIsParsed(t *testing.T) {
	e, _ := connected(t, func(frame string) []byte {
		if frame == "identify\r" {
			return []byte("MODEL-X v1.0\r")
		}
		return nil
	})
	resp, err := e.Send(Command{Text: "identify"})
	if err != nil {
		t.Fatal(err)
	}
	model, version, err := ParseIdentity(resp.String())
	if err != nil {
		t.Fatal(err)
	}
	if model != "MODEL-X" || version != "1.0" {
		t.Errorf("got model %q version %q, expected MODEL-X 1.0", model, version)
	}
}

func TestParseIdentity(t *testing.T) {
	tests := []struct {
		in, model, version string
	}{
		{"MODEL-X v1.0", "MODEL-X", "1.0"},
		{"JETI specbos 1211 V3.12", "JETI specbos 1211", "3.12"},
		{"DTP94 v2.0 ", "DTP94", "2.0"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			model, version, err := ParseIdentity(tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if model != tt.model || version != tt.version {
				t.Errorf("got %q %q, expected %q %q", model, version, tt.model, tt.version)
			}
		})
	}
	if _, _, err := ParseIdentity("garbage"); !fault.IsKind(err, fault.ProtocolError) {
		t.Errorf("expected ProtocolError for unparseable identity, got %v", err)
	}
}

func TestSilentDeviceIsCommsFailure(t *testing.T) {
	e, m := connected(t, nil)
	_, err := e.Send(Command{Text: "RD?", Timeout: 10 * time.Millisecond, Retries: 3})
	if !fault.IsKind(err, fault.CommsFailure) {
		t.Fatalf("expected CommsFailure, got %v", err)
	}
	if n := len(m.Writes()); n != 1 {
		t.Errorf("CommsFailure must not be retried, saw %d writes", n)
	}
}

func TestMissingTerminatorIsProtocolError(t *testing.T) {
	e, _ := connected(t, func(string) []byte { return []byte("12.5 13") })
	_, err := e.Send(Command{Text: "RD?", Timeout: 10 * time.Millisecond})
	if !fault.IsKind(err, fault.ProtocolError) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestDeviceErrorIsTranslatedAndCleared(t *testing.T) {
	e, m := connected(t, func(frame string) []byte {
		switch frame {
		case "MEAS\r":
			return []byte("E009\x15")
		case "CLS\r":
			return []byte{ack}
		}
		return nil
	})
	_, err := e.Send(Command{Text: "MEAS", Terms: []byte{CR, nak}})
	if !fault.IsKind(err, fault.HardwareFailure) {
		t.Fatalf("expected HardwareFailure, got %v", err)
	}
	if code := fault.CodeOf(err); code != 9 {
		t.Errorf("device code not retained, got %d", code)
	}
	w := m.Writes()
	if len(w) != 2 || w[1] != "CLS\r" {
		t.Errorf("expected MEAS then CLS, got %q", w)
	}
}

func TestUnknownDeviceCodeIsOther(t *testing.T) {
	e, _ := connected(t, func(frame string) []byte {
		if frame == "MEAS\r" {
			return []byte("E123\x15")
		}
		return []byte{ack}
	})
	_, err := e.Send(Command{Text: "MEAS", Terms: []byte{CR, nak}})
	if !fault.IsKind(err, fault.Other) || fault.CodeOf(err) != 123 {
		t.Fatalf("expected Other with code 123, got %v", err)
	}
}

func TestPayloadIsUntouchedByErrorScan(t *testing.T) {
	e, _ := connected(t, func(string) []byte { return []byte("E004 looks like a code\r") })
	resp, err := e.Send(Command{Text: "RD?"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.String() != "E004 looks like a code" {
		t.Errorf("payload altered: %q", resp.Payload)
	}
}

func TestMisreadIsRetried(t *testing.T) {
	n := 0
	e, m := connected(t, func(frame string) []byte {
		if frame == "CLS\r" {
			return []byte{ack}
		}
		n++
		if n < 3 {
			return []byte("E004\x15")
		}
		return []byte("1 2 3\r")
	})
	resp, err := e.Send(Command{Text: "MEAS", Terms: []byte{CR, nak}, Retries: 2})
	if err != nil {
		t.Fatal(err)
	}
	if resp.String() != "1 2 3" {
		t.Errorf("got payload %q", resp.Payload)
	}
	meas := 0
	for _, w := range m.Writes() {
		if w == "MEAS\r" {
			meas++
		}
	}
	if meas != 3 {
		t.Errorf("expected 3 MEAS writes, got %d", meas)
	}
}

func TestSendRequiresConnection(t *testing.T) {
	m := NewMockLink(func(string) []byte { return []byte("ok\r") })
	e := NewEngine(m, testDialect{}, testTable)
	_, err := e.Send(Command{Text: "RD?"})
	if !errors.Is(err, ErrNotConnected) || !fault.IsKind(err, fault.CommsFailure) {
		t.Fatalf("expected not connected CommsFailure, got %v", err)
	}
	if len(m.Writes()) != 0 {
		t.Error("a command was written on a disconnected link")
	}
}

func TestCommandsAreSerialized(t *testing.T) {
	e, m := connected(t, func(string) []byte { return []byte("ok\r") })
	m.Latency = 100 * time.Microsecond
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if _, err := e.Send(Command{Text: "RD?"}); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if n := m.Overlaps(); n != 0 {
		t.Errorf("%d commands were written while another was in flight", n)
	}
	if n := len(m.Writes()); n != 160 {
		t.Errorf("expected 160 writes, got %d", n)
	}
}

func TestNegotiateFindsRate(t *testing.T) {
	rates := []int{1200, 2400, 4800, 9600, 19200}
	m := NewMockLink(func(frame string) []byte {
		if frame == "identify\r" {
			return []byte("MODEL-X v1.0\r")
		}
		return nil
	})
	m.SetDeviceBaud(9600)
	e := NewEngine(m, testDialect{}, testTable)
	baud, err := e.Negotiate(context.Background(), rates, FlowNone, time.Second,
		Command{Text: "identify", Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if baud != 9600 {
		t.Errorf("negotiated %d, expected 9600", baud)
	}
	if n := len(m.Writes()); n > len(rates) {
		t.Errorf("took %d probes for %d candidates", n, len(rates))
	}
	if e.State() != Connected {
		t.Errorf("state is %v after negotiation", e.State())
	}
}

func TestNegotiateAcceptsDeviceError(t *testing.T) {
	m := NewMockLink(func(frame string) []byte {
		if frame == "identify\r" {
			return []byte("E009\x15")
		}
		return []byte{ack}
	})
	m.SetDeviceBaud(4800)
	e := NewEngine(m, testDialect{}, testTable)
	baud, err := e.Negotiate(context.Background(), []int{9600, 4800}, FlowNone, time.Second,
		Command{Text: "identify", Terms: []byte{CR, nak}, Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if baud != 4800 {
		t.Errorf("negotiated %d, expected 4800", baud)
	}
}

func TestNegotiateGivesUp(t *testing.T) {
	m := NewMockLink(nil)
	e := NewEngine(m, testDialect{}, testTable)
	start := time.Now()
	_, err := e.Negotiate(context.Background(), []int{9600, 19200}, FlowNone, 60*time.Millisecond,
		Command{Text: "identify", Timeout: 10 * time.Millisecond})
	if !fault.IsKind(err, fault.CommsFailure) {
		t.Fatalf("expected CommsFailure, got %v", err)
	}
	if el := time.Since(start); el < 60*time.Millisecond || el > 2*time.Second {
		t.Errorf("negotiation took %v with a 60ms timeout", el)
	}
	if e.State() != Disconnected {
		t.Errorf("state is %v after failed negotiation", e.State())
	}
}

func TestNegotiateStopsWhenLinkRefusesEveryRate(t *testing.T) {
	m := NewMockLink(nil)
	m.ConfigureErr = errors.New("port disappeared")
	e := NewEngine(m, testDialect{}, testTable)
	start := time.Now()
	_, err := e.Negotiate(context.Background(), []int{9600, 19200}, FlowNone, 10*time.Second,
		Command{Text: "identify", Timeout: 10 * time.Millisecond})
	if !fault.IsKind(err, fault.CommsFailure) {
		t.Fatalf("expected CommsFailure, got %v", err)
	}
	if el := time.Since(start); el > time.Second {
		t.Errorf("negotiation ran %v against a dead link", el)
	}
	if len(m.Writes()) != 0 {
		t.Errorf("probed an unconfigured link: %q", m.Writes())
	}
	if e.State() != Disconnected {
		t.Errorf("state is %v", e.State())
	}
}

func TestNegotiateAbort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := NewEngine(NewMockLink(nil), testDialect{}, testTable)
	_, err := e.Negotiate(ctx, []int{9600}, FlowNone, time.Second, Command{Text: "identify"})
	if !fault.IsKind(err, fault.UserAbort) {
		t.Fatalf("expected UserAbort, got %v", err)
	}
}

func TestCloseUnblocksRead(t *testing.T) {
	e, m := connected(t, nil)
	m.MaxWait = 10 * time.Second
	done := make(chan error)
	go func() {
		_, err := e.Send(Command{Text: "RD?", Timeout: 10 * time.Second})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	e.Close()
	select {
	case err := <-done:
		if !fault.IsKind(err, fault.CommsFailure) {
			t.Errorf("expected CommsFailure after close, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock the pending read")
	}
}

// chunks feeds a chunkReader one slice at a time, then io.EOF
func chunks(parts ...string) chunkReader {
	i := 0
	return func(buf []byte, until time.Time) (int, error) {
		if i >= len(parts) {
			return 0, io.EOF
		}
		n := copy(buf, parts[i])
		i++
		return n, nil
	}
}

func TestCollectAcrossChunks(t *testing.T) {
	var p pending
	read := chunks("12.", "5 1", "3\rtail\r")
	got, err := collect(read, &p, []byte{CR}, time.Second, false)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "12.5 13\r" {
		t.Errorf("got %q", got)
	}
	got, err = collect(read, &p, []byte{CR}, time.Second, false)
	if err != nil || string(got) != "tail\r" {
		t.Errorf("leftover not kept, got %q %v", got, err)
	}
}

func TestCollectStripsFlowControl(t *testing.T) {
	var p pending
	got, err := collect(chunks("1\x13 2\x11 3>"), &p, []byte{'>'}, time.Second, true)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "1 2 3>" {
		t.Errorf("got %q", got)
	}
}

func TestCollectEOFWithoutTerminator(t *testing.T) {
	var p pending
	got, err := collect(chunks("partial"), &p, []byte{CR}, time.Second, false)
	if !errors.Is(err, ErrTerminatorNotFound) {
		t.Fatalf("expected ErrTerminatorNotFound, got %v", err)
	}
	if string(got) != "partial" {
		t.Errorf("partial bytes lost, got %q", got)
	}
}

func TestParseFlowControl(t *testing.T) {
	for in, want := range map[string]FlowControl{"": FlowNone, "xonxoff": FlowXonXoff, "rtscts": FlowHardware} {
		got, err := ParseFlowControl(in)
		if err != nil || got != want {
			t.Errorf("ParseFlowControl(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseFlowControl("carrier pigeon"); err == nil {
		t.Error("expected error for unknown flow control")
	}
}
