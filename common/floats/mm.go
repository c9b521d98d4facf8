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

package floats

// MM computes c = op(a) * op(b) for row-major matrices, where op(a) is m x k and
// op(b) is k x n. lda, ldb and ldc are the row strides of a, b and c.
func MM(transA, transB bool, m, n, k int, a []float32, lda int, b []float32, ldb int, c []float32, ldc int) {
	for i := 0; i < m; i++ {
		Zero(c[i*ldc : i*ldc+n])
	}
	if !transA && !transB {
		for i := 0; i < m; i++ {
			for l := 0; l < k; l++ {
				// C_i += A_{il} * B_l
				MulConstAdd(b[l*ldb:l*ldb+n], a[i*lda+l], c[i*ldc:i*ldc+n])
			}
		}
	} else if !transA && transB {
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				c[i*ldc+j] = Dot(a[i*lda:i*lda+k], b[j*ldb:j*ldb+k])
			}
		}
	} else if transA && !transB {
		for i := 0; i < m; i++ {
			for l := 0; l < k; l++ {
				// C_i += A_{li} * B_l
				MulConstAdd(b[l*ldb:l*ldb+n], a[l*lda+i], c[i*ldc:i*ldc+n])
			}
		}
	} else {
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				var sum float32
				for l := 0; l < k; l++ {
					sum += a[l*lda+i] * b[j*ldb+l]
				}
				c[i*ldc+j] = sum
			}
		}
	}
}
