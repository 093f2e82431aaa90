// Copyright 2012 Alec Thomas
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package malloc

import "errors"

var (
	// ErrSizeOutOfRange is returned by (*Heap).Allocate when the requested
	// byte count falls outside [1, maxRequestBytes]. No heap state is
	// perturbed when this is returned (spec: size-out-of-range is
	// recoverable at the call site and does not touch statistics).
	ErrSizeOutOfRange = errors.New("light-malloc: requested size out of range")

	// ErrInvalidPointer is returned by (*Heap).Release when the given slice
	// cannot be traced back to any region this heap owns. Passing an unknown
	// or double-released pointer is formally undefined behaviour; returning
	// an error here rather than corrupting memory or panicking is this
	// implementation's own (conservative) choice within that freedom, not a
	// guarantee callers should rely on.
	ErrInvalidPointer = errors.New("light-malloc: pointer not owned by this heap")
)
