package sim

import (
	"errors"
	"testing"

	"github.com/vdnn/vdnn/ml"
)

func TestAllocFreeAccounting(t *testing.T) {
	dev := New(1024)

	a, err := dev.Alloc(512)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if free := dev.Info().FreeMemory; free != 512 {
		t.Errorf("FreeMemory = %d, want 512", free)
	}

	if _, err := dev.Alloc(1024); !errors.Is(err, ml.ErrDeviceOOM) {
		t.Errorf("Alloc err = %v, want ErrDeviceOOM", err)
	}

	if err := dev.Free(a); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if free := dev.Info().FreeMemory; free != 1024 {
		t.Errorf("FreeMemory after free = %d, want 1024", free)
	}

	if err := dev.Free(a); err == nil {
		t.Error("double free not detected")
	}
}

func TestSliceInsideRegion(t *testing.T) {
	dev := New(4096)

	p, _ := dev.Alloc(1024)
	f, err := dev.Float32s(p+256, 4)
	if err != nil {
		t.Fatalf("Float32s: %v", err)
	}
	f[0] = 42

	b, err := dev.Bytes(p+256, 16)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if b[0] == 0 && b[1] == 0 && b[2] == 0 && b[3] == 0 {
		t.Error("float write not visible through byte view")
	}

	if _, err := dev.Bytes(p+1020, 16); err == nil {
		t.Error("out of bounds access not detected")
	}
}

func TestStreamOrdering(t *testing.T) {
	dev := New(1024)
	defer dev.Close()

	s := dev.NewStream(ml.StreamCompute)

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		s.Enqueue("n", func() error {
			got = append(got, i)
			return nil
		})
	}
	if err := s.Synchronize(); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}

	for i, v := range got {
		if v != i {
			t.Fatalf("commands ran out of order: %v", got)
		}
	}
}

func TestStreamErrorLatched(t *testing.T) {
	dev := New(1024)
	defer dev.Close()

	s := dev.NewStream(ml.StreamCompute)

	boom := errors.New("boom")
	s.Enqueue("fail", func() error { return boom })

	ran := false
	s.Enqueue("after", func() error { ran = true; return nil })

	ev := s.Record()
	if err := ev.Wait(); !errors.Is(err, boom) {
		t.Errorf("event err = %v, want boom", err)
	}
	if ran {
		t.Error("command ran after stream aborted")
	}
	if err := s.Synchronize(); !errors.Is(err, boom) {
		t.Errorf("Synchronize err = %v, want boom", err)
	}
}

func TestAsyncCopies(t *testing.T) {
	dev := New(4096)
	defer dev.Close()

	mem := dev.NewStream(ml.StreamMemory)

	p, _ := dev.Alloc(64)
	src, _ := dev.AllocPinned(64)
	dst, _ := dev.AllocPinned(64)
	for i := range src.Bytes() {
		src.Bytes()[i] = byte(i)
	}

	dev.CopyHtoD(mem, p, src, 64)
	dev.CopyDtoH(mem, dst, p, 64)
	if err := mem.Synchronize(); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}

	for i, b := range dst.Bytes() {
		if b != byte(i) {
			t.Fatalf("round trip mismatch at %d: %d", i, b)
		}
	}
}
