package server

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/klauspost/compress/zlib"

	"github.com/voxeld-project/voxeld/internal/protocol"
	"github.com/voxeld-project/voxeld/internal/world"
)

func TestQualityLevel(t *testing.T) {
	tests := []struct {
		quality, level int
	}{
		{0, 1},
		{20, 1},
		{30, 2},
		{60, 5},
		{100, 9},
		{255, 9},
	}
	for _, tt := range tests {
		if got := QualityLevel(tt.quality); got != tt.level {
			t.Errorf("QualityLevel(%d) = %d, want %d", tt.quality, got, tt.level)
		}
	}
}

func testTerrain(t *testing.T) *world.GameMap {
	t.Helper()
	m, err := world.NewFlatMap(64, 64, 32, 4, stone)
	if err != nil {
		t.Fatal(err)
	}
	// Noise so the stream spans several fragments.
	for x := 0; x < 64; x++ {
		for y := 0; y < 64; y++ {
			h := 5 + (x*7+y*13)%20
			for z := 4; z < h; z++ {
				m.Set(x, y, z, protocol.Color{R: uint8(x * 4), G: uint8(y * 4), B: uint8(z * 8)})
			}
		}
	}
	return m
}

func TestMapGeneratorMatchesSynchronousEncoding(t *testing.T) {
	m := testTerrain(t)
	const quality = 70

	var want bytes.Buffer
	zw, err := zlib.NewWriterLevel(&want, QualityLevel(quality))
	if err != nil {
		t.Fatal(err)
	}
	if err := world.EncodeTerrain(context.Background(), zw, m); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	g := NewMapGenerator(m.Snapshot(), quality)
	g.Start()

	var got []byte
	fragments := 0
	deadline := time.Now().Add(10 * time.Second)
	for {
		done := g.SendAvailableBlock(func(f []byte) {
			if len(f) == 0 || len(f) > MapFragmentSize {
				t.Fatalf("fragment of %d bytes", len(f))
			}
			got = append(got, f...)
			fragments++
		})
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("generator did not finish")
		}
		time.Sleep(100 * time.Microsecond)
	}

	if !bytes.Equal(got, want.Bytes()) {
		t.Fatalf("reassembled %d bytes differ from %d synchronous bytes", len(got), want.Len())
	}
	if fragments < 2 {
		t.Fatalf("expected several fragments, got %d", fragments)
	}
	if res := g.Wait(); res != GeneratorCompleted {
		t.Fatalf("result %s", res)
	}
	produced, sent := g.Progress()
	if produced != sent || produced != int64(want.Len()) {
		t.Fatalf("progress %d/%d, stream %d", sent, produced, want.Len())
	}
}

func TestMapGeneratorAbortBeforeStart(t *testing.T) {
	g := NewMapGenerator(testTerrain(t).Snapshot(), 50)
	g.Abort()
	g.Start()
	if res := g.Wait(); res != GeneratorAborted {
		t.Fatalf("result %s, want aborted", res)
	}
	if g.SendAvailableBlock(func([]byte) { t.Fatal("aborted generator sent data") }) {
		t.Fatal("aborted generator reported completion")
	}
}

func TestMapGeneratorAbortWhileRunning(t *testing.T) {
	g := NewMapGenerator(testTerrain(t).Snapshot(), 100)
	g.Start()
	g.Abort()
	res := g.Wait()
	if res != GeneratorAborted && res != GeneratorCompleted {
		t.Fatalf("result %s", res)
	}
	if r, err := g.Result(); r != res || err != nil {
		t.Fatalf("Result() = %s, %v", r, err)
	}
}

func TestQueueWriterBlocksWhenFull(t *testing.T) {
	g := NewMapGenerator(testTerrain(t).Snapshot(), 50)
	g.queue = make([]byte, mapQueueLimit+1)
	w := &queueWriter{g: g}

	errCh := make(chan error, 1)
	go func() {
		_, err := w.Write([]byte{1})
		errCh <- err
	}()

	select {
	case err := <-errCh:
		t.Fatalf("write to a full queue returned %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	// Draining below the limit lets the writer through.
	g.SendAvailableBlock(func([]byte) {})
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("writer still blocked after drain")
	}

	g.queue = make([]byte, mapQueueLimit+1)
	go func() {
		_, err := w.Write([]byte{1})
		errCh <- err
	}()
	g.Abort()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("abort did not release the writer")
	}
}
