package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"init", Init("http://localhost/engine/"), false},
		{"init without url", Message{Type: TypeInit}, true},
		{"run", Run("r1", "print(1)", nil), false},
		{"run without id", Message{Type: TypeRun, SourceText: "x"}, true},
		{"stdout", Stdout("r1", "hi"), false},
		{"stdout without id", Message{Type: TypeStdout, Text: "hi"}, true},
		{"request input", RequestInput("r1", "i1", "name? "), false},
		{"request input without input id", Message{Type: TypeRequestInput, RunID: "r1"}, true},
		{"input value", InputValue("i1", Value("x")), false},
		{"input value without id", Message{Type: TypeInputValue, Value: "x"}, true},
		{"input value interrupt and cancel", Message{Type: TypeInputValue, InputID: "i1", Interrupt: true, Canceled: true}, true},
		{"error", Error("", PhaseInit, "boom", nil), false},
		{"error without phase", Message{Type: TypeError, Message: "boom"}, true},
		{"stop without run", Stop(""), false},
		{"stopped", Stopped(""), false},
		{"ready", Ready(), false},
		{"missing type", Message{}, true},
		{"unknown type", Message{Type: "result"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !IsProtocolError(err) {
				t.Errorf("expected *ProtocolError, got %T", err)
			}
		})
	}
}

func TestDoneExitCode(t *testing.T) {
	ok := Done("r1", 0)
	if ok.Type != TypeDone || ok.ExitCode == nil || *ok.ExitCode != 0 {
		t.Errorf("Done(0) = %+v", ok)
	}

	failed := Done("r1", 3)
	if failed.Type != TypeExit || *failed.ExitCode != 3 {
		t.Errorf("Done(3) = %+v", failed)
	}

	data, _ := json.Marshal(ok)
	if !strings.Contains(string(data), `"exitCode":0`) {
		t.Errorf("zero exit code should be encoded: %s", data)
	}
}

func TestTypeClassification(t *testing.T) {
	for _, typ := range []Type{TypeInit, TypeRun, TypeInputValue, TypeStop} {
		if !typ.ToWorker() || typ.FromWorker() {
			t.Errorf("%s should only travel to the worker", typ)
		}
	}
	for _, typ := range []Type{TypeDone, TypeExit, TypeError, TypeStopped} {
		if !typ.Terminal() {
			t.Errorf("%s should be terminal", typ)
		}
	}
	for _, typ := range []Type{TypeStdout, TypeStderr, TypeRequestInput, TypeStarted} {
		if typ.Terminal() {
			t.Errorf("%s should not be terminal", typ)
		}
	}
}

func TestInputValueReply(t *testing.T) {
	tests := []struct {
		name  string
		reply InputReply
	}{
		{"value", Value("hi")},
		{"empty value", Value("")},
		{"interrupt", Interrupt()},
		{"cancel", Cancel()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := InputValue("i1", tt.reply)
			if got := msg.Reply(); got != tt.reply {
				t.Errorf("Reply() = %+v, want %+v", got, tt.reply)
			}
		})
	}
}

func TestDecodeWireNames(t *testing.T) {
	line := `{"type":"input-value","inputId":"abc","value":"hi"}`
	msg, err := Decode([]byte(line))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.InputID != "abc" || msg.Value != "hi" {
		t.Errorf("decoded %+v", msg)
	}

	_, err = Decode([]byte(`{invalid}`))
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestStreamCodec(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	msgs := []Message{
		Init("file:///engine"),
		Run("r1", "print('a\\nb')", []string{"x", "y"}),
		Stop("r1"),
	}
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}
	buf.WriteString("\n{\"type\":\"bogus\"}\n")

	dec := NewDecoder(&buf)
	for i, want := range msgs {
		got, err := dec.Next()
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if got.Type != want.Type || got.RunID != want.RunID {
			t.Errorf("message %d = %v, want %v", i, got, want)
		}
	}

	if _, err := dec.Next(); !IsProtocolError(err) {
		t.Errorf("expected protocol error for unknown type, got %v", err)
	}
	if _, err := dec.Next(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestEncodeRejectsOversizedMessage(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	big := Run("r1", strings.Repeat("a", MaxLineSize), nil)
	if err := CheckSize(big); !errors.Is(err, ErrTooLarge) {
		t.Errorf("CheckSize = %v, want ErrTooLarge", err)
	}
	if err := enc.Encode(big); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Encode = %v, want ErrTooLarge", err)
	}
	if buf.Len() != 0 {
		t.Errorf("oversized message wrote %d bytes", buf.Len())
	}

	// Escaping counts against the limit.
	escaped := Run("r1", strings.Repeat("\x01", MaxLineSize/4), nil)
	if err := CheckSize(escaped); !errors.Is(err, ErrTooLarge) {
		t.Errorf("CheckSize(escaped) = %v, want ErrTooLarge", err)
	}

	if err := CheckSize(Run("r1", "print(1)", nil)); err != nil {
		t.Errorf("CheckSize(small) = %v", err)
	}
}
