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

package nn

import (
	"encoding/binary"
	"io"
	"slices"

	"github.com/juju/errors"
	"github.com/samber/lo"
)

const checkpointHeader = "flora/nn/v1"

// Save writes parameters to a binary stream in little endian.
func Save(w io.Writer, params []*Tensor) error {
	if err := writeString(w, checkpointHeader); err != nil {
		return errors.Trace(err)
	}
	if err := binary.Write(w, binary.LittleEndian, int32(len(params))); err != nil {
		return errors.Trace(err)
	}
	for _, p := range params {
		if err := binary.Write(w, binary.LittleEndian, int32(len(p.shape))); err != nil {
			return errors.Trace(err)
		}
		shape := lo.Map(p.shape, func(s int, _ int) int32 { return int32(s) })
		if err := binary.Write(w, binary.LittleEndian, shape); err != nil {
			return errors.Trace(err)
		}
		if err := binary.Write(w, binary.LittleEndian, p.data); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Load reads parameters written by Save into params. The number and shapes
// of tensors must match.
func Load(r io.Reader, params []*Tensor) error {
	header, err := readString(r)
	if err != nil {
		return errors.Trace(err)
	}
	if header != checkpointHeader {
		return errors.NotValidf("checkpoint header %q", header)
	}
	var n int32
	if err = binary.Read(r, binary.LittleEndian, &n); err != nil {
		return errors.Trace(err)
	}
	if int(n) != len(params) {
		return errors.NotValidf("checkpoint with %d tensors for %d parameters", n, len(params))
	}
	for _, p := range params {
		var ndim int32
		if err = binary.Read(r, binary.LittleEndian, &ndim); err != nil {
			return errors.Trace(err)
		}
		shape := make([]int32, ndim)
		if err = binary.Read(r, binary.LittleEndian, shape); err != nil {
			return errors.Trace(err)
		}
		if !slices.Equal(lo.Map(shape, func(s int32, _ int) int { return int(s) }), p.shape) {
			return errors.NotValidf("checkpoint tensor shape %v for parameter shape %v", shape, p.shape)
		}
		if err = binary.Read(r, binary.LittleEndian, p.data); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, int32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var length int32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	if length < 0 || length > 1024 {
		return "", errors.NotValidf("string length %d", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", err
	}
	return string(data), nil
}
