// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package cache

import (
	"os"
	"testing"
)

// mustTempFileWithBytes writes b to a fresh temp file, rewinds it, and
// returns it open for reading; the file is removed when t completes.
func mustTempFileWithBytes(t *testing.T, b []byte) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "cache-test-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if _, err := f.Write(b); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f
}

// asTempFile is the non-t.Helper variant used from plain helper
// functions (not *testing.T methods) in format_test.go; it leaks the
// underlying file to the OS temp dir for the duration of the test
// process, which is acceptable for these small fixed-size round trips.
func asTempFile(b []byte) *os.File {
	f, err := os.CreateTemp("", "cache-test-*")
	if err != nil {
		panic(err)
	}
	if _, err := f.Write(b); err != nil {
		panic(err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		panic(err)
	}
	return f
}
