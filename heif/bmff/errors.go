/*
Copyright 2018 The go4 Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package bmff

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownBox is returned by Box.Parse for unrecognized box types.
	ErrUnknownBox = errors.New("heif: unknown box")

	// ErrTruncated means the input ended before a declared box size was
	// satisfied.
	ErrTruncated = errors.New("bmff: truncated input")

	// ErrMalformed means box sizes are inconsistent with the bounds of
	// their parent.
	ErrMalformed = errors.New("bmff: malformed container")
)

// Code classifies structural errors.
type Code string

const (
	CodeTruncated Code = "TruncatedInput"
	CodeMalformed Code = "MalformedContainer"
)

// Error is a structural error at a known file offset.
type Error struct {
	Code   Code
	Offset int64
	Type   BoxType // zero when the box type could not be read
	Msg    string
}

func (e *Error) Error() string {
	if e.Type == (BoxType{}) {
		return fmt.Sprintf("bmff: %s at offset %d: %s", e.Code, e.Offset, e.Msg)
	}
	return fmt.Sprintf("bmff: %s in %q box at offset %d: %s", e.Code, e.Type, e.Offset, e.Msg)
}

func (e *Error) Unwrap() error {
	switch e.Code {
	case CodeTruncated:
		return ErrTruncated
	case CodeMalformed:
		return ErrMalformed
	}
	return nil
}
