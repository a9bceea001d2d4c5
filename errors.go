// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tagbus

import "errors"

// Common errors.
var (
	// ErrUnknownTag indicates that the tag name is not in the table.
	ErrUnknownTag = errors.New("tagbus: unknown tag")

	// ErrTypeMismatch indicates that a value's kind does not match the
	// tag's declared type. The write is rejected before anything is sent.
	ErrTypeMismatch = errors.New("tagbus: value type does not match tag type")

	// ErrReadOnly indicates a write to a tag in a read-only bank.
	ErrReadOnly = errors.New("tagbus: tag is read-only")
)
