package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"maxent/internal/model"
)

func WriteModelFile(path string, file model.ModelFile) error {
	payload, err := EncodeModelFile(file)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o644)
}

func ReadModelFile(path string) (model.ModelFile, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return model.ModelFile{}, err
	}
	file, err := DecodeModelFile(payload)
	if err != nil {
		return model.ModelFile{}, fmt.Errorf("decode model file %s: %w", path, err)
	}
	return file, nil
}

// LoadForCore copies the parameters of file into core. With reset the
// size is still checked but the core is zeroed instead. K is only loaded
// into k-pairwise cores and only when the file carries one.
func LoadForCore(file model.ModelFile, core *model.Core, reset bool) error {
	n, err := file.NSpins()
	if err != nil {
		return err
	}
	if n != core.NSpins() {
		return fmt.Errorf("%w: model file has %d spins, run has %d", model.ErrShapeMismatch, n, core.NSpins())
	}
	if reset {
		core.Reset()
		return nil
	}
	var k []float64
	if core.KPairwise() && len(file.K) > 0 {
		k = file.K
	}
	return core.SetParameters(file.H, file.J, k)
}
