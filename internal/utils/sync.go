package utils

import (
	"runtime"
	"sync"
)

// OptionalMutex is a sync.Mutex that can be switched off when the owner has promised
// external synchronization
type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
}

func (m *OptionalMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}

const (
	// activeSpins is the number of times SpinWait re-checks without giving up the processor
	activeSpins = 4
	// activeSpinIterations is the length of each active spin
	activeSpinIterations = 30
)

var multicore = runtime.NumCPU() > 1

// SpinWait is the backoff used by busy-wait loops. The first few calls spin in place, every
// call after that yields the processor so a goroutine holding the awaited state can run even
// on a single processor.
//
// The zero value is ready for use.
type SpinWait struct {
	count int
	sink  int
}

func (s *SpinWait) Spin() {
	s.count++
	if s.count > activeSpins || !multicore {
		runtime.Gosched()
		return
	}

	for i := 0; i < activeSpinIterations; i++ {
		s.sink += i
	}
}

// Spins returns the number of times Spin has been called since the last Reset
func (s *SpinWait) Spins() int {
	return s.count
}

func (s *SpinWait) Reset() {
	s.count = 0
}
