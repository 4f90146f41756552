// Copyright 2019 Google Inc. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reftable

// Stack holds an ordered, non-overlapping sequence of tables, oldest
// first, and exposes a Merged view over them. It validates the
// ordering invariant at construction time but otherwise does not
// manage the tables' lifecycle: creating new tables, compacting the
// stack, and persisting its membership to a list file are the
// responsibility of a higher-level ref-store, not of this package.
type Stack struct {
	tables []*Reader
	merged *Merged
}

// NewStack builds a Stack over tables, which must already be ordered
// oldest to newest. It fails if the update_index ranges overlap or
// if the tables disagree on hash id — both invariants a valid stack
// must hold for Merged's shadowing semantics to be well defined.
func NewStack(tables []*Reader, suppressDeletions bool) (*Stack, error) {
	s := &Stack{tables: tables}

	merged, err := NewMerged(tables, suppressDeletions)
	if err != nil {
		return nil, err
	}
	s.merged = merged
	return s, nil
}

// Tables returns the stack's tables, oldest first. The returned slice
// aliases the Stack's internal state and must not be mutated.
func (s *Stack) Tables() []*Reader {
	return s.tables
}

// Merged returns the merged read view over the whole stack.
func (s *Stack) Merged() *Merged {
	return s.merged
}

// Close closes every table in the stack.
func (s *Stack) Close() error {
	var first error
	for _, t := range s.tables {
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
