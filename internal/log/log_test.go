package log

import "testing"

func TestLogrusLoggerImplementsLoggerInterface(t *testing.T) {
	var i interface{} = new(LogrusLogger)
	if _, ok := i.(Logger); !ok {
		t.Errorf("expected %T to implement Logger interface", i)
	}
}

func TestNewAcceptsEmptyLevelAndFormat(t *testing.T) {
	if _, err := New("", ""); err != nil {
		t.Fatalf("New(\"\", \"\") returned error: %v", err)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("verbose", ""); err == nil {
		t.Fatal("expected an error for an unknown log level")
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New("", "xml"); err == nil {
		t.Fatal("expected an error for an unknown log format")
	}
}
