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
	"bufio"
	"math/rand"
	"os"
	"strings"

	"github.com/chewxy/math32"
	"github.com/gorse-io/flora/base"
	"github.com/gorse-io/flora/base/log"
	"github.com/gorse-io/flora/common/nn"
	"github.com/gorse-io/flora/common/util"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Example is a pair of input and target features.
type Example struct {
	Input  []float32
	Target []float32
}

type Dataset interface {
	Len() int
	Get(i int) Example
}

// InMemory keeps every example in memory.
type InMemory struct {
	examples []Example
}

// NewInMemory creates a dataset from rows of inputs and targets. Every row
// must have the same width as the first one.
func NewInMemory(inputs, targets [][]float32) (*InMemory, error) {
	if len(inputs) != len(targets) {
		return nil, errors.NotValidf("%d inputs with %d targets", len(inputs), len(targets))
	}
	d := &InMemory{examples: make([]Example, len(inputs))}
	for i := range inputs {
		if len(inputs[i]) != len(inputs[0]) || len(targets[i]) != len(targets[0]) {
			return nil, errors.NotValidf("ragged row %d", i)
		}
		d.examples[i] = Example{Input: inputs[i], Target: targets[i]}
	}
	return d, nil
}

func (d *InMemory) Len() int {
	return len(d.examples)
}

func (d *InMemory) Get(i int) Example {
	return d.examples[i]
}

// Dims returns the number of input and target features.
func (d *InMemory) Dims() (int, int) {
	if len(d.examples) == 0 {
		return 0, 0
	}
	return len(d.examples[0].Input), len(d.examples[0].Target)
}

type subset struct {
	parent  Dataset
	indices []int
}

// Subset returns a view of the examples at indices.
func Subset(d Dataset, indices []int) Dataset {
	return &subset{parent: d, indices: indices}
}

func (s *subset) Len() int {
	return len(s.indices)
}

func (s *subset) Get(i int) Example {
	return s.parent.Get(s.indices[i])
}

// Split holds out a random ratio of examples for validation.
func Split(d Dataset, ratio float32, seed int64) (train, valid Dataset, err error) {
	if ratio <= 0 || ratio >= 1 {
		return nil, nil, errors.NotValidf("split ratio %v", ratio)
	}
	perm := rand.New(rand.NewSource(seed)).Perm(d.Len())
	numValid := int(ratio*float32(d.Len()) + 0.5)
	return Subset(d, perm[numValid:]), Subset(d, perm[:numValid]), nil
}

// Synthetic generates a noisy linear regression problem y = x W + e.
func Synthetic(n, in, out int, noise float32, seed int64) *InMemory {
	rng := rand.New(rand.NewSource(seed))
	w := nn.NewNormal(rng, 0, 1/math32.Sqrt(float32(in)), in, out)
	x := nn.NewNormal(rng, 0, 1, n, in)
	y := nn.MatMulNoGrad(x, w, false, false)
	for i := range y.Data() {
		y.Data()[i] += noise * float32(rng.NormFloat64())
	}
	d := &InMemory{examples: make([]Example, n)}
	for i := 0; i < n; i++ {
		d.examples[i] = Example{
			Input:  x.Data()[i*in : (i+1)*in],
			Target: y.Data()[i*out : (i+1)*out],
		}
	}
	return d
}

// LoadCSV loads a comma separated file. Target columns may be negative to
// count from the end and default to the last column. Categorical cells are
// encoded by ordinal codes per column.
func LoadCSV(path string, hasHeader bool, targetCols ...int) (*InMemory, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer file.Close()

	var (
		inputs  [][]float32
		targets [][]float32
		dicts   map[int]*FreqDict
		isTgt   map[int]bool
		width   int
		lineErr error
	)
	err = base.ReadLines(bufio.NewScanner(file), ",", func(line int, fields []string) bool {
		if line == 0 {
			width = len(fields)
			if len(targetCols) == 0 {
				targetCols = []int{-1}
			}
			isTgt = make(map[int]bool)
			for _, c := range targetCols {
				if c < 0 {
					c += width
				}
				if c < 0 || c >= width {
					lineErr = errors.NotValidf("target column %d of %d", c, width)
					return false
				}
				isTgt[c] = true
			}
			dicts = make(map[int]*FreqDict)
			if hasHeader {
				return true
			}
		}
		if len(fields) == 1 && strings.TrimSpace(fields[0]) == "" {
			return true
		}
		if len(fields) != width {
			lineErr = errors.NotValidf("line %d has %d fields, expect %d", line+1, len(fields), width)
			return false
		}
		var input, target []float32
		for j, field := range fields {
			field = strings.TrimSpace(field)
			value, parseErr := util.ParseFloat[float32](field)
			if parseErr != nil {
				if _, exist := dicts[j]; !exist {
					dicts[j] = NewFreqDict()
				}
				value = float32(dicts[j].Id(field))
			}
			if isTgt[j] {
				target = append(target, value)
			} else {
				input = append(input, value)
			}
		}
		inputs = append(inputs, input)
		targets = append(targets, target)
		return true
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if lineErr != nil {
		return nil, lineErr
	}
	if len(dicts) > 0 {
		log.Logger().Info("encode categorical columns",
			zap.String("path", path),
			zap.Ints("columns", lo.Keys(dicts)))
	}
	return NewInMemory(inputs, targets)
}
