package ports

import (
	"fmt"
	"net"
	"sync"
	"testing"
)

func TestAcquireUniquePorts(t *testing.T) {
	a := NewAllocator(20000, 20050)
	a.probe = func(int) bool { return true }

	seen := make(map[int]bool)
	for i := 0; i < 30; i++ {
		port, err := a.Acquire()
		if err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
		if seen[port] {
			t.Fatalf("port %d handed out twice", port)
		}
		if port < 20000 || port > 20050 {
			t.Fatalf("port %d outside configured range", port)
		}
		seen[port] = true
	}
}

func TestAcquireConcurrent(t *testing.T) {
	a := NewAllocator(21000, 21200)
	a.probe = func(int) bool { return true }

	var mu sync.Mutex
	seen := make(map[int]bool)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := a.Acquire()
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[port] {
				t.Errorf("port %d handed out twice", port)
			}
			seen[port] = true
		}()
	}
	wg.Wait()
}

func TestAcquireExhaustion(t *testing.T) {
	a := NewAllocator(22000, 22001)
	a.probe = func(int) bool { return true }

	if _, err := a.Acquire(); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	if _, err := a.Acquire(); err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}

	if _, err := a.Acquire(); err != ErrPortsExhausted {
		t.Fatalf("expected ErrPortsExhausted, got %v", err)
	}
}

func TestReleaseMakesPortReusable(t *testing.T) {
	a := NewAllocator(23000, 23000)
	a.probe = func(int) bool { return true }

	port, err := a.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := a.Acquire(); err != ErrPortsExhausted {
		t.Fatalf("expected exhaustion before release, got %v", err)
	}

	a.Release(port)

	again, err := a.Acquire()
	if err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	if again != port {
		t.Fatalf("expected released port %d, got %d", port, again)
	}
}

func TestReservedPortsNeverHandedOut(t *testing.T) {
	a := NewAllocator(24000, 24001, 24000)
	a.probe = func(int) bool { return true }

	port, err := a.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if port == 24000 {
		t.Fatal("reserved port was handed out")
	}
}

func TestProbeRejectsOccupiedPort(t *testing.T) {
	a := NewAllocator(25000, 25001)

	// Occupy one of the two candidates for real.
	listener, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", 25000))
	if err != nil {
		t.Skipf("cannot bind test port: %v", err)
	}
	defer listener.Close()

	port, err := a.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if port != 25001 {
		t.Fatalf("expected externally occupied port to be skipped, got %d", port)
	}
}

func TestClaim(t *testing.T) {
	a := NewAllocator(26000, 26010)
	a.probe = func(int) bool { return true }

	if !a.Claim(26005) {
		t.Fatal("Claim of free port failed")
	}
	if a.Claim(26005) {
		t.Fatal("Claim of claimed port succeeded")
	}

	for i := 0; i < 10; i++ {
		port, err := a.Acquire()
		if err != nil {
			break
		}
		if port == 26005 {
			t.Fatal("claimed port was handed out")
		}
	}
}
