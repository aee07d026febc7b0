package cmd

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/vdnn/vdnn/dnn"
	"github.com/vdnn/vdnn/dnn/gonumref"
	"github.com/vdnn/vdnn/envconfig"
	"github.com/vdnn/vdnn/ml"
	"github.com/vdnn/vdnn/ml/backend/sim"
	"github.com/vdnn/vdnn/nn"
	"github.com/vdnn/vdnn/planner"
)

// NetworkFile is the on-disk description of a network: the batch geometry
// plus the ordered layer list.
type NetworkFile struct {
	Batch int `json:"batch"`
	Input struct {
		C int `json:"c"`
		H int `json:"h"`
		W int `json:"w"`
	} `json:"input"`
	DType          string  `json:"dtype,omitempty"`
	Layout         string  `json:"layout,omitempty"`
	Seed           uint64  `json:"seed,omitempty"`
	WeightStd      float64 `json:"weightStd,omitempty"`
	SoftmaxEpsilon float64 `json:"softmaxEpsilon,omitempty"`

	Layers []nn.LayerSpec `json:"layers"`
}

func loadNetworkFile(path string) (*NetworkFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f NetworkFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &f, nil
}

func (f *NetworkFile) config() (nn.Config, error) {
	dt, err := ml.ParseDType(f.DType)
	if err != nil {
		return nn.Config{}, err
	}
	layout, err := ml.ParseLayout(f.Layout)
	if err != nil {
		return nn.Config{}, err
	}

	cfg := nn.Config{
		DType:          dt,
		Layout:         layout,
		BatchSize:      f.Batch,
		InputC:         f.Input.C,
		InputH:         f.Input.H,
		InputW:         f.Input.W,
		DropoutSeed:    f.Seed,
		SoftmaxEpsilon: f.SoftmaxEpsilon,
		WeightStd:      f.WeightStd,
	}
	if cfg.SoftmaxEpsilon == 0 {
		cfg.SoftmaxEpsilon = 1e-8
	}
	if cfg.WeightStd == 0 {
		cfg.WeightStd = 0.05
	}
	return cfg, nil
}

// buildNetwork instantiates the backend device and the network it hosts.
// The caller owns both and closes the network before the device.
func buildNetwork(path, backend string) (*nn.Network, ml.Device, error) {
	f, err := loadNetworkFile(path)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := f.config()
	if err != nil {
		return nil, nil, err
	}

	dev, err := ml.NewBackend(backend, ml.BackendParams{MemoryBytes: envconfig.DeviceMemory()})
	if err != nil {
		return nil, nil, err
	}

	ref, ok := dev.(*sim.Device)
	if !ok {
		dev.Close()
		return nil, nil, fmt.Errorf("backend %q provides no primitive library", backend)
	}

	net, err := nn.Build(dev, gonumref.New(ref), cfg, f.Layers)
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	return net, dev, nil
}

// planRequest resolves the planner inputs from flags, defaulting the pool
// budget to the device memory left after the parameter tensors.
func planRequest(dev ml.Device, policy, pref string, budget uint64) (planner.Request, error) {
	pol, err := planner.ParsePolicy(policy)
	if err != nil {
		return planner.Request{}, err
	}
	pr, err := dnn.ParsePref(pref)
	if err != nil {
		return planner.Request{}, err
	}
	if budget == 0 {
		budget = dev.Info().FreeMemory
	}
	return planner.Request{Policy: pol, Pref: pr, PoolBudget: budget}, nil
}
