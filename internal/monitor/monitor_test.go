package monitor

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakePort struct {
	io.Reader
	closes int
}

func (p *fakePort) Close() error {
	p.closes++
	return nil
}

func TestRunDeliversLines(t *testing.T) {
	port := &fakePort{Reader: strings.NewReader("rst:0x1 (POWERON)\r\nboot:0x13\nready")}
	m := New("/dev/ttyUSB0", port)

	var got []string
	if err := m.Run(context.Background(), func(line string) { got = append(got, line) }); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{"rst:0x1 (POWERON)", "boot:0x13", "ready"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("lines = %q, want %q", got, want)
	}
	if m.Name() != "/dev/ttyUSB0" {
		t.Errorf("Name() = %q", m.Name())
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("unplugged") }

func TestRunReportsReadError(t *testing.T) {
	m := New("com3", &fakePort{Reader: errReader{}})
	err := m.Run(context.Background(), func(string) {})
	if err == nil || !strings.Contains(err.Error(), "unplugged") {
		t.Errorf("Run() error = %v, want the read error", err)
	}
}

// blockingPort blocks reads until closed, like a real serial port.
type blockingPort struct {
	once   sync.Once
	closed chan struct{}
}

func (p *blockingPort) Read([]byte) (int, error) {
	<-p.closed
	return 0, errors.New("port closed")
}

func (p *blockingPort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func TestRunStopsOnCancel(t *testing.T) {
	m := New("tty", &blockingPort{closed: make(chan struct{})})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, func(string) {}) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() after cancel error = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestCloseIdempotent(t *testing.T) {
	port := &fakePort{Reader: strings.NewReader("")}
	m := New("tty", port)
	_ = m.Close()
	_ = m.Close()
	if port.closes != 1 {
		t.Errorf("port closed %d times, want 1", port.closes)
	}
}
