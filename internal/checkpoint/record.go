// Package checkpoint persists model parameters and optimizer state between
// runs. A Record is encoded by a small versioned binary codec and kept in
// one of several Store backends.
package checkpoint

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"maskflow/internal/errtypes"
	"maskflow/internal/nn"
	"maskflow/internal/optim"
	"maskflow/internal/tensor"
)

// Optimizer keys of a Record.
const (
	PriorOptimizer = "prior-optimizer"
	SegOptimizer   = "seg-optimizer"
)

// ErrKeyMismatch is returned by a strict ApplyParams when the saved and the
// live parameter names differ.
var ErrKeyMismatch = errors.New("checkpoint keys do not match the model")

// Record is one saved training state.
type Record struct {
	ID         string
	Epoch      int
	CreatedAt  time.Time
	Model      map[string]*tensor.Tensor
	Optimizers map[string]optim.State
}

// NewRecord snapshots params and the optimizer states under a fresh ID.
func NewRecord(epoch int, params []*nn.Param, optimizers map[string]optim.State) Record {
	return Record{
		ID:         uuid.NewString(),
		Epoch:      epoch,
		CreatedAt:  time.Now().UTC(),
		Model:      Snapshot(params),
		Optimizers: optimizers,
	}
}

// Snapshot copies the value of every parameter, keyed by name.
func Snapshot(params []*nn.Param) map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, len(params))
	for _, p := range params {
		out[p.Name] = p.Value.Clone()
	}
	return out
}

// KeyMismatchError lists the names that prevented a strict load.
type KeyMismatchError struct {
	Missing    []string
	Unexpected []string
}

func (e *KeyMismatchError) Error() string {
	return fmt.Sprintf("checkpoint keys do not match the model: missing %v, unexpected %v", e.Missing, e.Unexpected)
}

func (e *KeyMismatchError) Is(target error) bool { return target == ErrKeyMismatch }

// ApplyParams copies saved values into params. With strict set, a parameter
// absent from saved or a saved tensor with no live parameter fails the load
// before anything is copied. A shape disagreement always fails.
func ApplyParams(params []*nn.Param, saved map[string]*tensor.Tensor, strict bool) error {
	live := make(map[string]bool, len(params))
	var missing []string
	for _, p := range params {
		live[p.Name] = true
		t, ok := saved[p.Name]
		if !ok {
			missing = append(missing, p.Name)
			continue
		}
		if !tensor.SameShape(t, p.Value) {
			return errtypes.Shape(p.Name, "checkpoint tensor", p.Value.Shape, t.Shape)
		}
	}
	var unexpected []string
	for name := range saved {
		if !live[name] {
			unexpected = append(unexpected, name)
		}
	}
	if strict && (len(missing) > 0 || len(unexpected) > 0) {
		sort.Strings(missing)
		sort.Strings(unexpected)
		return &KeyMismatchError{Missing: missing, Unexpected: unexpected}
	}
	for _, p := range params {
		if t, ok := saved[p.Name]; ok {
			copy(p.Value.Data, t.Data)
		}
	}
	return nil
}
