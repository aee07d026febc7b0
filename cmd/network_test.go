package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/vdnn/vdnn/ml"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "network.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadNetworkFile(t *testing.T) {
	path := writeFile(t, `
batch: 16
input: {c: 3, h: 32, w: 32}
dtype: f32
layout: nchw
seed: 42
layers:
  - kind: conv
    outChannels: 32
    kernel: 3
    pad: 1
    activation: relu
  - kind: pool
    window: 2
  - kind: fc
    outFeatures: 10
  - kind: softmax
`)

	f, err := loadNetworkFile(path)
	if err != nil {
		t.Fatalf("loadNetworkFile: %v", err)
	}
	if f.Batch != 16 || f.Input.C != 3 || len(f.Layers) != 4 {
		t.Errorf("parsed %+v", f)
	}
	if f.Layers[0].Kind != "conv" || f.Layers[0].OutChannels != 32 {
		t.Errorf("first layer parsed as %+v", f.Layers[0])
	}

	cfg, err := f.config()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.DType != ml.DTypeF32 || cfg.Layout != ml.LayoutNCHW {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.SoftmaxEpsilon == 0 || cfg.WeightStd == 0 {
		t.Error("defaults not applied")
	}
}

func TestLoadNetworkFileBadDType(t *testing.T) {
	path := writeFile(t, "batch: 4\ninput: {c: 1, h: 4, w: 4}\ndtype: f16\nlayers: [{kind: softmax}]\n")

	f, err := loadNetworkFile(path)
	if err != nil {
		t.Fatalf("loadNetworkFile: %v", err)
	}
	if _, err := f.config(); err == nil {
		t.Error("expected a dtype error")
	}
}

func TestBuildNetworkFromFile(t *testing.T) {
	t.Setenv("VDNN_DEVICE_MEMORY", "268435456")

	path := writeFile(t, `
batch: 2
input: {c: 1, h: 4, w: 4}
layers:
  - kind: fc
    outFeatures: 2
  - kind: softmax
`)

	net, dev, err := buildNetwork(path, "sim")
	if err != nil {
		t.Fatalf("buildNetwork: %v", err)
	}
	defer dev.Close()
	defer net.Close()

	if got := net.Classes(); got != 2 {
		t.Errorf("Classes = %d, want 2", got)
	}
	if dev.Info().Library != "sim" {
		t.Errorf("backend = %q", dev.Info().Library)
	}
}
