// Copyright 2025 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dataset

import (
	"math/rand"

	"github.com/gorse-io/flora/common/nn"
	"github.com/juju/errors"
	"github.com/samber/lo"
)

// Batch is a stack of examples. X is (n, input) and Y is (n, target).
type Batch struct {
	X       *nn.Tensor
	Y       *nn.Tensor
	Indices []int
}

func (b Batch) Len() int {
	return len(b.Indices)
}

type Loader struct {
	Dataset   Dataset
	BatchSize int
	Shuffle   bool
	// DropLast skips the incomplete tail. Otherwise the examples are split
	// into ceil(n / BatchSize) batches whose sizes differ by at most one.
	DropLast  bool
	Transform func(Batch) Batch
	Seed      int64
}

// NumBatches returns the number of batches per epoch.
func (l *Loader) NumBatches() int {
	if l.BatchSize <= 0 {
		return 0
	}
	n := l.Dataset.Len()
	if l.DropLast {
		return n / l.BatchSize
	}
	return (n + l.BatchSize - 1) / l.BatchSize
}

// Batches returns the batches of an epoch. Shuffling is seeded by Seed + epoch.
func (l *Loader) Batches(epoch int) ([]Batch, error) {
	if l.BatchSize <= 0 {
		return nil, errors.NotValidf("batch size %d", l.BatchSize)
	}
	n := l.Dataset.Len()
	var indices []int
	if l.Shuffle {
		indices = rand.New(rand.NewSource(l.Seed + int64(epoch))).Perm(n)
	} else {
		indices = lo.Range(n)
	}

	numBatches := l.NumBatches()
	chunks := make([][]int, 0, numBatches)
	if l.DropLast {
		for i := 0; i < numBatches; i++ {
			chunks = append(chunks, indices[i*l.BatchSize:(i+1)*l.BatchSize])
		}
	} else if numBatches > 0 {
		size, extra := n/numBatches, n%numBatches
		for begin, i := 0, 0; i < numBatches; i++ {
			end := begin + size
			if i < extra {
				end++
			}
			chunks = append(chunks, indices[begin:end])
			begin = end
		}
	}

	return lo.Map(chunks, func(chunk []int, _ int) Batch {
		batch := l.stack(chunk)
		if l.Transform != nil {
			batch = l.Transform(batch)
		}
		return batch
	}), nil
}

func (l *Loader) stack(indices []int) Batch {
	first := l.Dataset.Get(indices[0])
	in, out := len(first.Input), len(first.Target)
	x := make([]float32, 0, len(indices)*in)
	y := make([]float32, 0, len(indices)*out)
	for _, i := range indices {
		example := l.Dataset.Get(i)
		x = append(x, example.Input...)
		y = append(y, example.Target...)
	}
	return Batch{
		X:       nn.NewTensor(x, len(indices), in),
		Y:       nn.NewTensor(y, len(indices), out),
		Indices: indices,
	}
}
