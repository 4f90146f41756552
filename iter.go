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

import "bytes"

// emptyIterator never yields anything; it backs a Seek against a
// section that is entirely absent from a table.
type emptyIterator struct{}

func (emptyIterator) Next(record) (bool, error) { return false, nil }

// closeIterator releases it if it holds any block, via the informal
// "close() interface" that Iterator.Close and delegating iterators
// probe for. Most iterators, like emptyIterator, hold nothing and
// don't implement it.
func closeIterator(it iterator) {
	if c, ok := it.(interface{ close() }); ok {
		c.close()
	}
}

// filteringRefIterator wraps a ref iterator with an object-id filter,
// used as the RefsFor fallback when a table carries no obj index.
// When doubleCheck is set, each candidate is re-resolved against tab
// to defend against records that were mutated after this iterator
// was constructed.
type filteringRefIterator struct {
	tab         *Reader
	oid         []byte
	doubleCheck bool
	it          iterator
}

func (f *filteringRefIterator) Next(rec record) (bool, error) {
	ref, ok := rec.(*RefRecord)
	if !ok {
		return false, apiErrorf("filteringRefIterator fed a non-ref record")
	}
	for {
		ok, err := f.it.Next(ref)
		if err != nil || !ok {
			return ok, err
		}

		if !bytes.Equal(ref.Value, f.oid) && !bytes.Equal(ref.TargetValue, f.oid) {
			continue
		}

		if f.doubleCheck {
			var cur RefRecord
			ok, err := f.tab.seekRecordOnce(ref.RefName, &cur)
			if err != nil {
				return false, err
			}
			if !ok || cur.key() != ref.key() {
				continue
			}
			if !bytes.Equal(cur.Value, f.oid) && !bytes.Equal(cur.TargetValue, f.oid) {
				continue
			}
		}
		return true, nil
	}
}

func (f *filteringRefIterator) close() {
	closeIterator(f.it)
}
