package congestion

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadAndReset(t *testing.T) {
	signals := new(atomicSignals)
	signals.sendBytes.Add(4096)
	signals.drops.Add(3)
	signals.softirqNS.Add(15000)
	signals.eventCount.Add(5)

	snapshot := signals.readAndReset()

	assert.Equal(t, uint64(4096), snapshot.SendBytes)
	assert.Equal(t, uint64(3), snapshot.Drops)
	assert.Equal(t, uint64(15000), snapshot.SoftirqNS)
	assert.Equal(t, uint64(5), snapshot.EventCount)
	assert.Equal(t, 0.0, snapshot.AvgWmemPressure, "no samples must derive zero pressure")
}

func TestReadAndResetDerivesAvgPressure(t *testing.T) {
	signals := new(atomicSignals)

	// Two per-mille samples: 50/100 -> 500, 25/100 -> 250
	signals.wmemPressureSum.Add(500)
	signals.wmemSamples.Add(1)
	signals.wmemPressureSum.Add(250)
	signals.wmemSamples.Add(1)

	snapshot := signals.readAndReset()

	assert.Equal(t, 0.375, snapshot.AvgWmemPressure)
}

func TestReadAndResetZeroesCounters(t *testing.T) {
	signals := new(atomicSignals)
	signals.sendBytes.Add(100)
	signals.drops.Add(1)
	signals.wmemPressureSum.Add(500)
	signals.wmemSamples.Add(1)
	signals.softirqNS.Add(99)
	signals.eventCount.Add(4)

	first := signals.readAndReset()
	assert.NotZero(t, first.EventCount)

	// No intervening events: the second snapshot is all zeroes
	second := signals.readAndReset()
	assert.Zero(t, second.SendBytes)
	assert.Zero(t, second.Drops)
	assert.Zero(t, second.SoftirqNS)
	assert.Zero(t, second.EventCount)
	assert.Equal(t, 0.0, second.AvgWmemPressure)
}

// M concurrent tasks each incrementing drops K times must never lose
// an increment, under any interleaving.
func TestConcurrentDropCounting(t *testing.T) {
	const (
		tasks      = 8
		increments = 1000
	)

	signals := new(atomicSignals)

	var wg sync.WaitGroup
	for i := 0; i < tasks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < increments; j++ {
				signals.drops.Add(1)
			}
		}()
	}
	wg.Wait()

	snapshot := signals.readAndReset()
	assert.Equal(t, uint64(tasks*increments), snapshot.Drops)
}

// Snapshots racing with live production must neither lose nor double
// count: the sum over all snapshots plus the residue equals the total
// produced.
func TestSnapshotRacingWithProduction(t *testing.T) {
	const produced = 100000

	signals := new(atomicSignals)

	done := make(chan struct{})
	var snapshotted uint64
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			snapshotted += signals.readAndReset().Drops
		}
	}()

	for i := 0; i < produced; i++ {
		signals.drops.Add(1)
	}
	<-done

	total := snapshotted + signals.readAndReset().Drops
	assert.Equal(t, uint64(produced), total)
}
